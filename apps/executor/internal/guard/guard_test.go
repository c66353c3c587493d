package guard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGuard(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGuard(time.Minute)
	now := time.Now()
	g.now = func() time.Time { return now }

	ok, holder, err := g.Claim(ctx, "signal-1", "order-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "order-1", holder)

	ok, holder, err = g.Claim(ctx, "signal-1", "order-2")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "order-1", holder)

	require.NoError(t, g.Release(ctx, "signal-1"))
	ok, _, err = g.Claim(ctx, "signal-1", "order-3")
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	ok, holder, err = g.Claim(ctx, "signal-1", "order-4")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "order-4", holder)
}

func TestRedisGuardFailsWithoutServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := NewRedisGuard(ctx, "127.0.0.1:1", "", time.Minute, nil)
	assert.Error(t, err)
}
