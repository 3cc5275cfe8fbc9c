package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	l := New(context.Background(), mr.Addr(), time.Hour)
	require.NotNil(t, l)
	t.Cleanup(func() { l.Close() })

	ctx := context.Background()
	_, ok := l.Get(ctx, "itunes:feed:123")
	assert.False(t, ok)

	l.Set(ctx, "itunes:feed:123", "https://example.com/feed.xml")
	val, ok := l.Get(ctx, "itunes:feed:123")
	assert.True(t, ok)
	assert.Equal(t, "https://example.com/feed.xml", val)

	// Values carry the configured TTL.
	assert.Greater(t, mr.TTL("itunes:feed:123"), time.Duration(0))
}

func TestLookupCachesEmptyString(t *testing.T) {
	mr := miniredis.RunT(t)
	l := New(context.Background(), mr.Addr(), time.Hour)
	require.NotNil(t, l)
	t.Cleanup(func() { l.Close() })

	ctx := context.Background()
	l.Set(ctx, "pocketcasts:uuid:nosuchshow", "")
	val, ok := l.Get(ctx, "pocketcasts:uuid:nosuchshow")
	assert.True(t, ok, "a remembered miss is still a hit")
	assert.Empty(t, val)
}

func TestLookupExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	l := New(context.Background(), mr.Addr(), time.Minute)
	require.NotNil(t, l)
	t.Cleanup(func() { l.Close() })

	ctx := context.Background()
	l.Set(ctx, "k", "v")
	mr.FastForward(2 * time.Minute)

	_, ok := l.Get(ctx, "k")
	assert.False(t, ok)
}

func TestNilLookupIsSafe(t *testing.T) {
	var l *Lookup
	ctx := context.Background()

	_, ok := l.Get(ctx, "k")
	assert.False(t, ok)
	l.Set(ctx, "k", "v")
	assert.NoError(t, l.Close())
}

func TestNewWithoutAddr(t *testing.T) {
	assert.Nil(t, New(context.Background(), "", time.Hour))
}

func TestNewUnreachableRedis(t *testing.T) {
	assert.Nil(t, New(context.Background(), "127.0.0.1:1", time.Hour))
}
