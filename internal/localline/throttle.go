package localline

import (
	"context"
	"time"

	limiter "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

// Throttle paces outbound catalog requests to a fixed rate. Backed by a shared
// store it paces every process using the same key.
type Throttle struct {
	limiter *limiter.Limiter
	key     string
}

// NewThrottle allows perSecond requests per second. A nil store uses process memory.
func NewThrottle(store limiter.Store, perSecond int64) *Throttle {
	if perSecond <= 0 {
		return nil
	}
	if store == nil {
		store = memory.NewStoreWithOptions(limiter.StoreOptions{Prefix: "localline", CleanUpInterval: time.Minute})
	}
	return &Throttle{
		limiter: limiter.New(store, limiter.Rate{Period: time.Second, Limit: perSecond}),
		key:     "localline:outbound",
	}
}

// Wait blocks until a request slot is available. A nil Throttle never waits.
func (t *Throttle) Wait(ctx context.Context) error {
	if t == nil {
		return nil
	}
	for {
		lctx, err := t.limiter.Get(ctx, t.key)
		if err != nil {
			return err
		}
		if !lctx.Reached {
			return nil
		}
		wait := time.Until(time.Unix(lctx.Reset, 0))
		if wait < 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
