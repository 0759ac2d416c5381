package utils

import (
	"context"
	"errors"
	"fmt"

	"github.com/projecteru2/core/log"
)

// ForEach runs fn for each ref, collects successes, and logs failures.
// All refs are attempted (best-effort); errors are logged and collected.
// The returned succeeded slice is always valid, even when err != nil.
func ForEach(ctx context.Context, refs []string, op string, fn func(context.Context, string) error) ([]string, error) {
	logger := log.WithFunc("utils.ForEach")
	var succeeded []string
	var errs []error
	for _, ref := range refs {
		if err := fn(ctx, ref); err != nil {
			logger.Warnf(ctx, "%s %s: %v", op, ref, err)
			errs = append(errs, fmt.Errorf("%s: %w", ref, err))
			continue
		}
		succeeded = append(succeeded, ref)
	}
	return succeeded, errors.Join(errs...)
}
