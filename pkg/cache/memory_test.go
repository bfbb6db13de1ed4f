package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySetGetDel(t *testing.T) {
	c := NewMemoryClient()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	require.NoError(t, c.Del(ctx, "k"))
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryTTLExpiry(t *testing.T) {
	c := NewMemoryClient()
	ctx := context.Background()

	now := time.Now()
	c.nowFunc = func() time.Time { return now }
	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))

	now = now.Add(2 * time.Minute)
	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryListNewestFirst(t *testing.T) {
	c := NewMemoryClient()
	ctx := context.Background()

	require.NoError(t, c.LPush(ctx, "l", []byte("a")))
	require.NoError(t, c.LPush(ctx, "l", []byte("b")))
	require.NoError(t, c.LPush(ctx, "l", []byte("c")))

	got, err := c.LRange(ctx, "l", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("c"), []byte("b"), []byte("a")}, got)
}

func TestMemoryLTrimBoundsBuffer(t *testing.T) {
	c := NewMemoryClient()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, c.LPush(ctx, "l", []byte{byte('0' + i)}))
		require.NoError(t, c.LTrim(ctx, "l", 0, 4))
	}

	got, err := c.LRange(ctx, "l", 0, -1)
	require.NoError(t, err)
	require.Len(t, got, 5)
	// Newest entries survive the trim.
	assert.Equal(t, []byte{'9'}, got[0])
	assert.Equal(t, []byte{'5'}, got[4])
}

func TestMemoryListExpire(t *testing.T) {
	c := NewMemoryClient()
	ctx := context.Background()

	now := time.Now()
	c.nowFunc = func() time.Time { return now }

	require.NoError(t, c.LPush(ctx, "l", []byte("a")))
	require.NoError(t, c.Expire(ctx, "l", time.Minute))

	now = now.Add(2 * time.Minute)
	got, err := c.LRange(ctx, "l", 0, -1)
	require.NoError(t, err)
	assert.Empty(t, got)
}
