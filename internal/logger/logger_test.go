package logger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestGetWithoutInitReturnsUsableLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		Get().Info("no init")
	})
}

func TestEnrichAddsContextFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	ctx := WithTraceID(context.Background(), "trace-1")
	ctx = WithJob(ctx, "job-1", "tenant-1")

	Enrich(ctx, zap.New(core)).Info("hello")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "trace-1", fields["trace_id"])
	assert.Equal(t, "job-1", fields["job_id"])
	assert.Equal(t, "tenant-1", fields["tenant_id"])
}

func TestBuildWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	l, err := Build("debug", "json", path)
	require.NoError(t, err)
	l.Info("written")
	require.NoError(t, l.Sync())
	assert.FileExists(t, path)
}

func TestOrNopPrefersExplicitLogger(t *testing.T) {
	explicit := zap.NewExample()
	assert.Same(t, explicit, OrNop(explicit))
	assert.NotNil(t, OrNop(nil))
}
