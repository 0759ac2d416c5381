package utils

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is returned by WaitFor when the deadline passes first.
var ErrTimeout = errors.New("timed out")

// WaitFor calls check every interval until it reports done or fails.
// check receives a context bounded by timeout. Cancellation of the parent
// ctx is returned as is; the deadline passing yields ErrTimeout.
func WaitFor(ctx context.Context, timeout, interval time.Duration, check func(ctx context.Context) (done bool, err error)) error {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		done, err := check(wctx)
		switch {
		case err == nil && done:
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil && wctx.Err() != nil:
			return fmt.Errorf("%w after %s: %w", ErrTimeout, timeout, err)
		case err != nil:
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wctx.Done():
			// wctx also ends when the parent does
			if err := ctx.Err(); err != nil {
				return err
			}
			return fmt.Errorf("%w after %s", ErrTimeout, timeout)
		case <-ticker.C:
		}
	}
}
