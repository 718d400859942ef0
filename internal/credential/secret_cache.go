package credential

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Decrypter 凭证解密
type Decrypter interface {
	DecryptSecret(ciphertext []byte) (string, error)
}

type secretEntry struct {
	plain   string
	expires time.Time
}

// SecretCache 解密后的凭证缓存，以密文为键，按 TTL 过期
// 同一密文并发未命中只解密一次
type SecretCache struct {
	dec     Decrypter
	ttl     time.Duration
	entries sync.Map // string(ciphertext) -> *secretEntry
	group   singleflight.Group
	now     func() time.Time
}

// NewSecretCache 创建缓存
func NewSecretCache(dec Decrypter, ttl time.Duration) *SecretCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &SecretCache{dec: dec, ttl: ttl, now: time.Now}
}

// Resolve 返回明文
func (c *SecretCache) Resolve(ciphertext []byte) (string, error) {
	key := string(ciphertext)
	if plain, ok := c.lookup(key); ok {
		return plain, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		if plain, ok := c.lookup(key); ok {
			return plain, nil
		}
		plain, err := c.dec.DecryptSecret(ciphertext)
		if err != nil {
			return "", fmt.Errorf("解密凭证失败: %w", err)
		}
		c.entries.Store(key, &secretEntry{plain: plain, expires: c.now().Add(c.ttl)})
		return plain, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *SecretCache) lookup(key string) (string, bool) {
	v, ok := c.entries.Load(key)
	if !ok {
		return "", false
	}
	e := v.(*secretEntry)
	if !c.now().Before(e.expires) {
		return "", false
	}
	return e.plain, true
}

// Sweep 删除已过期条目，返回删除数量
func (c *SecretCache) Sweep() int {
	now := c.now()
	removed := 0
	c.entries.Range(func(k, v any) bool {
		if !now.Before(v.(*secretEntry).expires) {
			c.entries.CompareAndDelete(k, v)
			removed++
		}
		return true
	})
	return removed
}

// Run 周期性清理，直到 ctx 结束
func (c *SecretCache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Len 当前条目数
func (c *SecretCache) Len() int {
	n := 0
	c.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
