package utils

import (
	"errors"
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"
)

// Parallel runs fn for every item on pool and waits for all of them.
// Errors are joined; a failed submit counts as that item's error.
func Parallel[T any](pool *ants.Pool, items []T, fn func(int, T) error) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	record := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}
	for i, item := range items {
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			if err := fn(i, item); err != nil {
				record(err)
			}
		})
		if submitErr != nil {
			wg.Done()
			record(fmt.Errorf("submit %d: %w", i, submitErr))
		}
	}
	wg.Wait()
	return errors.Join(errs...)
}
