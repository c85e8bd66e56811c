// Package testutil provides shared test helpers: polling with consistent
// timeouts, and a recording extension.Native for exercising handlers without
// a script engine.
package testutil

import (
	"context"
	"fmt"
	"time"
)

// Poll checks condition every interval until it is true, timeout elapses,
// or ctx is done.
func Poll(ctx context.Context, condition func() bool, timeout, interval time.Duration) error {
	_, err := WaitForState(ctx, condition, func(ok bool) bool { return ok }, timeout, interval)
	return err
}

// WaitForState polls getter until predicate accepts its value, returning
// that value.
//
// Example usage:
//
//	posts, err := WaitForState(ctx, native.Posts,
//		func(p []Post) bool { return len(p) >= 2 },
//		DeliveryTimeout, PollingInterval)
func WaitForState[T any](ctx context.Context, getter func() T, predicate func(T) bool, timeout, interval time.Duration) (T, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		state := getter()
		if predicate(state) {
			return state, nil
		}
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-deadline.C:
			var zero T
			return zero, fmt.Errorf("timeout waiting for target state (type %T, threshold: %v)", zero, timeout)
		case <-tick.C:
		}
	}
}
