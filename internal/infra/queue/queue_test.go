package queue

import (
	"testing"
	"time"

	"extracthub/internal/config"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in    string
		want  Priority
		queue string
	}{
		{"", PriorityNormal, QueueDefault},
		{"normal", PriorityNormal, QueueDefault},
		{"HIGH", PriorityHigh, QueueHigh},
		{" low ", PriorityLow, QueueLow},
	}
	for _, tt := range tests {
		p, err := ParsePriority(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, p)
		assert.Equal(t, tt.queue, p.Queue())
	}

	_, err := ParsePriority("urgent")
	assert.Error(t, err)
}

func TestRedisConnOpt(t *testing.T) {
	standalone := RedisConnOpt(config.RedisConfig{Host: "redis", Port: 6380, DB: 2})
	opt, ok := standalone.(asynq.RedisClientOpt)
	require.True(t, ok)
	assert.Equal(t, "redis:6380", opt.Addr)
	assert.Equal(t, 2, opt.DB)

	sentinel := RedisConnOpt(config.RedisConfig{Mode: "sentinel", MasterName: "m", SentinelAddrs: []string{"s:26379"}})
	fo, ok := sentinel.(asynq.RedisFailoverClientOpt)
	require.True(t, ok)
	assert.Equal(t, "m", fo.MasterName)

	cluster := RedisConnOpt(config.RedisConfig{Mode: "cluster", ClusterAddrs: []string{"a:1", "b:2"}})
	co, ok := cluster.(asynq.RedisClusterClientOpt)
	require.True(t, ok)
	assert.Len(t, co.Addrs, 2)
}

func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig(0)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Greater(t, cfg.Queues[QueueHigh], cfg.Queues[QueueLow])

	ac := cfg.ToAsynqConfig(zaptest.NewLogger(t))
	assert.Equal(t, 4, ac.Concurrency)
	assert.NotNil(t, ac.ErrorHandler)
}

func TestExtractionOptions(t *testing.T) {
	opts := extractionOptions("job-1", PriorityHigh, 0)
	require.Len(t, opts, 5)
	assert.Equal(t, "high", opts[0].Value())
	assert.Equal(t, 0, opts[1].Value())
	assert.Equal(t, 30*time.Minute, opts[2].Value())
	assert.Equal(t, "extraction:job-1", opts[3].Value())
}
