package meta

import (
	"fmt"

	"github.com/projecteru2/sprout/config"
	"github.com/projecteru2/sprout/lock"
	"github.com/projecteru2/sprout/lock/flock"
	"github.com/projecteru2/sprout/storage"
	storebadger "github.com/projecteru2/sprout/storage/badger"
	storejson "github.com/projecteru2/sprout/storage/json"
)

// Open opens the metadata store selected by conf.StoreBackend and returns it
// with the locker that guards it. GC modules lock the same locker and then
// use the store's unlocked Read/Write.
func Open(conf *config.Config) (storage.Store[Index], lock.Locker, error) {
	if err := conf.EnsureDirs(); err != nil {
		return nil, nil, fmt.Errorf("ensure dirs: %w", err)
	}
	switch conf.StoreBackend {
	case config.StoreBadger:
		locker := lock.NewMutex()
		store, err := storebadger.Open[Index](conf.BadgerDir(), locker)
		if err != nil {
			return nil, nil, err
		}
		return store, locker, nil
	case config.StoreJSON, "":
		locker := lock.NewMulti(lock.NewMutex(), flock.New(conf.IndexLock()))
		return storejson.New[Index](conf.IndexFile(), locker), locker, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", conf.StoreBackend)
	}
}

// NewMemory returns a JSON store backed by path and guarded by an in-process
// mutex. Used by tests.
func NewMemory(path string) (storage.Store[Index], lock.Locker) {
	locker := lock.NewMutex()
	return storejson.New[Index](path, locker), locker
}
