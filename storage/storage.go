package storage

import "context"

// Initer is implemented by index types that need their maps allocated after
// decoding an empty or missing store.
type Initer interface {
	Init()
}

// Store persists a single index value of type T.
//
// With and Update acquire the store's locker; Read and Write assume the caller
// already holds it (GC modules run under their own lock). Update commits only
// when fn returns nil, so a failed fn leaves the persisted index untouched.
type Store[T any] interface {
	// With loads the index under the lock and passes it to fn read-only.
	With(ctx context.Context, fn func(*T) error) error
	// Update loads the index under the lock, lets fn mutate it, and persists
	// the result if fn succeeds.
	Update(ctx context.Context, fn func(*T) error) error
	// Read is With without locking.
	Read(fn func(*T) error) error
	// Write is Update without locking.
	Write(fn func(*T) error) error
	// Close releases backend resources.
	Close() error
}

// InitIndex calls Init on idx if it implements Initer.
func InitIndex[T any](idx *T) {
	if i, ok := any(idx).(Initer); ok {
		i.Init()
	}
}
