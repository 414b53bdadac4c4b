package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_AllowsBurst(t *testing.T) {
	t.Parallel()

	l := NewLimiter(1, 3, "ETHEREUM")
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Wait(ctx))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond, "burst should not block")
}

func TestLimiter_BlocksBeyondBurst(t *testing.T) {
	t.Parallel()

	l := NewLimiter(20, 1, "BASE")
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx))

	start := time.Now()
	require.NoError(t, l.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond, "second call should wait for a token")
}

func TestLimiter_RespectsContextCancellation(t *testing.T) {
	t.Parallel()

	l := NewLimiter(0.1, 1, "ETHEREUM")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.NoError(t, l.Wait(context.Background()))

	err := l.Wait(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
