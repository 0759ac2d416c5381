package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/projecteru2/core/log"

	"github.com/projecteru2/sprout/lock"
	"github.com/projecteru2/sprout/storage"
)

const (
	indexKey        = "index"
	maxConflictRuns = 5
	conflictBackoff = 10 * time.Millisecond
)

// compile-time interface check.
var _ storage.Store[struct{}] = (*Store[struct{}])(nil)

// Store keeps the index as a JSON value under a single badger key. Badger
// holds an exclusive directory lock, so only one process can open it;
// locker serializes goroutines within that process.
type Store[T any] struct {
	db     *badgerdb.DB
	locker lock.Locker
}

// Open opens (or creates) a badger database in dir.
func Open[T any](dir string, locker lock.Locker) (*Store[T], error) {
	opts := badgerdb.DefaultOptions(dir).WithLogger(nil)
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger %s: %w", dir, err)
	}
	return &Store[T]{db: db, locker: locker}, nil
}

// OpenInMemory opens a non-persistent store, used by tests.
func OpenInMemory[T any](locker lock.Locker) (*Store[T], error) {
	db, err := badgerdb.Open(badgerdb.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open in-memory badger: %w", err)
	}
	return &Store[T]{db: db, locker: locker}, nil
}

func (s *Store[T]) With(ctx context.Context, fn func(*T) error) error {
	return lock.WithLock(ctx, s.locker, func() error { return s.Read(fn) })
}

func (s *Store[T]) Update(ctx context.Context, fn func(*T) error) error {
	return lock.WithLock(ctx, s.locker, func() error { return s.Write(fn) })
}

func (s *Store[T]) Read(fn func(*T) error) error {
	return s.db.View(func(txn *badgerdb.Txn) error {
		idx, err := load[T](txn)
		if err != nil {
			return err
		}
		return fn(idx)
	})
}

// Write retries on transaction conflicts, which only arise when another
// goroutine bypasses the locker.
func (s *Store[T]) Write(fn func(*T) error) error {
	var err error
	for range maxConflictRuns {
		err = s.db.Update(func(txn *badgerdb.Txn) error {
			idx, err := load[T](txn)
			if err != nil {
				return err
			}
			if err := fn(idx); err != nil {
				return err
			}
			data, err := json.Marshal(idx)
			if err != nil {
				return fmt.Errorf("encode index: %w", err)
			}
			return txn.Set([]byte(indexKey), data)
		})
		if !errors.Is(err, badgerdb.ErrConflict) {
			return err
		}
		log.WithFunc("badger.Write").Warnf(context.Background(), "transaction conflict, retrying")
		time.Sleep(conflictBackoff)
	}
	return err
}

func (s *Store[T]) Close() error { return s.db.Close() }

func load[T any](txn *badgerdb.Txn) (*T, error) {
	idx := new(T)
	item, err := txn.Get([]byte(indexKey))
	switch {
	case errors.Is(err, badgerdb.ErrKeyNotFound):
	case err != nil:
		return nil, fmt.Errorf("get index: %w", err)
	default:
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, idx)
		}); err != nil {
			return nil, fmt.Errorf("decode index: %w", err)
		}
	}
	storage.InitIndex(idx)
	return idx, nil
}
