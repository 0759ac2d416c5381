// Package lock provides the lockers that guard the metadata store: an
// in-process Mutex, a file lock (subpackage flock), and Multi to stack them.
package lock

import (
	"context"
	"errors"
)

// Locker provides mutual exclusion with context support.
type Locker interface {
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// WithLock runs fn while holding l. An Unlock failure is reported only when
// fn itself succeeded.
func WithLock(ctx context.Context, l Locker, fn func() error) (err error) {
	if err := l.Lock(ctx); err != nil {
		return err
	}
	defer func() {
		if uerr := l.Unlock(context.WithoutCancel(ctx)); err == nil {
			err = uerr
		}
	}()
	return fn()
}

// compile-time interface checks.
var (
	_ Locker = (*Mutex)(nil)
	_ Locker = (*Multi)(nil)
)

// Mutex is an in-process Locker that honours context cancellation while
// waiting.
type Mutex struct {
	ch chan struct{}
}

// NewMutex returns an unlocked Mutex.
func NewMutex() *Mutex {
	return &Mutex{ch: make(chan struct{}, 1)}
}

// Lock blocks until the mutex is held or ctx is done.
func (m *Mutex) Lock(ctx context.Context) error {
	select {
	case m.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unlock releases the mutex.
func (m *Mutex) Unlock(_ context.Context) error {
	select {
	case <-m.ch:
		return nil
	default:
		return errors.New("unlock of unlocked mutex")
	}
}

// Multi acquires lockers in order and releases them in reverse.
// A file lock shared by goroutines of one process must be paired with a
// Mutex first, since flock(2) is per open file description.
type Multi struct {
	lockers []Locker
}

// NewMulti composes lockers, acquired in the given order.
func NewMulti(lockers ...Locker) *Multi {
	return &Multi{lockers: lockers}
}

// Lock acquires every locker. On failure the already-held ones are released.
func (m *Multi) Lock(ctx context.Context) error {
	for i, l := range m.lockers {
		if err := l.Lock(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = m.lockers[j].Unlock(ctx)
			}
			return err
		}
	}
	return nil
}

// Unlock releases every locker in reverse order.
func (m *Multi) Unlock(ctx context.Context) error {
	var errs []error
	for i := len(m.lockers) - 1; i >= 0; i-- {
		if err := m.lockers[i].Unlock(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
