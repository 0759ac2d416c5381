package json

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/projecteru2/sprout/lock"
	"github.com/projecteru2/sprout/storage"
	"github.com/projecteru2/sprout/utils"
)

// compile-time interface check.
var _ storage.Store[struct{}] = (*Store[struct{}])(nil)

// Store keeps the whole index in one JSON file, rewritten atomically on
// every committed update.
type Store[T any] struct {
	path   string
	locker lock.Locker
}

// New returns a Store backed by path, serialized by locker.
func New[T any](path string, locker lock.Locker) *Store[T] {
	return &Store[T]{path: path, locker: locker}
}

func (s *Store[T]) With(ctx context.Context, fn func(*T) error) error {
	return lock.WithLock(ctx, s.locker, func() error { return s.Read(fn) })
}

func (s *Store[T]) Update(ctx context.Context, fn func(*T) error) error {
	return lock.WithLock(ctx, s.locker, func() error { return s.Write(fn) })
}

func (s *Store[T]) Read(fn func(*T) error) error {
	idx, err := s.load()
	if err != nil {
		return err
	}
	return fn(idx)
}

func (s *Store[T]) Write(fn func(*T) error) error {
	idx, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(idx); err != nil {
		return err
	}
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", s.path, err)
	}
	return utils.AtomicWriteFile(s.path, data, 0o600)
}

func (s *Store[T]) Close() error { return nil }

func (s *Store[T]) load() (*T, error) {
	idx := new(T)
	data, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	case len(data) > 0:
		if err := json.Unmarshal(data, idx); err != nil {
			return nil, fmt.Errorf("decode %s: %w", s.path, err)
		}
	}
	storage.InitIndex(idx)
	return idx, nil
}
