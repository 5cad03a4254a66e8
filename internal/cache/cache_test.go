package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, "whois", zaptest.NewLogger(t)), mr
}

type record struct {
	Domain string `json:"domain"`
	Age    int    `json:"age"`
}

func TestCacheRoundTrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	key := c.Key("example.com")

	var miss record
	assert.False(t, c.GetJSON(ctx, key, &miss))

	c.SetJSON(ctx, key, record{Domain: "example.com", Age: 4200}, time.Hour)

	var hit record
	require.True(t, c.GetJSON(ctx, key, &hit))
	assert.Equal(t, "example.com", hit.Domain)
	assert.Equal(t, 4200, hit.Age)
}

func TestCacheKeyHashesIdentity(t *testing.T) {
	c, _ := newTestCache(t)
	k1 := c.Key("example.com")
	k2 := c.Key("example.org")
	assert.NotEqual(t, k1, k2)
	assert.NotContains(t, k1, "example.com")
	assert.Contains(t, k1, "whois:")
}

func TestCacheExpiry(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	key := c.Key("example.com")

	c.SetJSON(ctx, key, record{Domain: "example.com"}, time.Minute)
	mr.FastForward(2 * time.Minute)

	var out record
	assert.False(t, c.GetJSON(ctx, key, &out))
}

func TestCacheCorruptEntryIsMiss(t *testing.T) {
	c, mr := newTestCache(t)
	key := c.Key("example.com")
	require.NoError(t, mr.Set(key, "{not json"))

	var out record
	assert.False(t, c.GetJSON(context.Background(), key, &out))
}
