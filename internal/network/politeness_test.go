package network

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHostLimiterSpacesRequestsPerHost(t *testing.T) {
	t.Parallel()

	l := newHostLimiter(20, 1)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://a.example.com/1"))
	require.NoError(t, l.Wait(ctx, "https://b.example.com/1"))
	require.Less(t, time.Since(start), 40*time.Millisecond, "different hosts do not share a bucket")

	require.NoError(t, l.Wait(ctx, "https://a.example.com/2"))
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestHostLimiterDisabled(t *testing.T) {
	t.Parallel()

	l := newHostLimiter(0, 0)
	for range 100 {
		require.NoError(t, l.Wait(context.Background(), "https://example.com"))
	}
}

func TestHostLimiterHonoursContext(t *testing.T) {
	t.Parallel()

	l := newHostLimiter(0.001, 1)
	require.NoError(t, l.Wait(context.Background(), "https://slow.example.com"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "https://slow.example.com"))
}
