package localline_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/killdeer/ffcsa-ops/internal/localline"
)

func TestNilThrottleNeverWaits(t *testing.T) {
	var th *localline.Throttle
	require.NoError(t, th.Wait(context.Background()))
	require.Nil(t, localline.NewThrottle(nil, 0))
}

func TestThrottleBlocksOnceRateIsReached(t *testing.T) {
	th := localline.NewThrottle(nil, 2)
	require.NoError(t, th.Wait(context.Background()))
	require.NoError(t, th.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, th.Wait(ctx), context.DeadlineExceeded)
}
