package flow

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrAwaitTimeout reports that a condition did not hold before its deadline.
var ErrAwaitTimeout = errors.New("condition not met before deadline")

// Await polls cond at the given interval until it reports true, the timeout
// elapses, or the context is canceled. There is no implicit deadline: callers
// always state how long a wait is allowed to take.
func Await(ctx context.Context, interval, timeout time.Duration, cond func(ctx context.Context) (bool, error)) error {
	if timeout <= 0 {
		return fmt.Errorf("flow: await needs a positive timeout, got %v", timeout)
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ok, err := cond(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrAwaitTimeout
		case <-ticker.C:
		}
	}
}
