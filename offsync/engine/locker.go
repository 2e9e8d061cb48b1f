package engine

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/LerianStudio/lib-offsync/offsync/kv"
	"github.com/LerianStudio/lib-offsync/offsync/lock"
)

// Locker is the single-instance lease held for the duration of a run.
type Locker interface {
	Acquire(ctx context.Context) error
	Release(ctx context.Context) error
	// Lost is closed when the lease is lost while held.
	Lost() <-chan struct{}
}

// LockFactory builds a fresh Locker for each run.
type LockFactory func(ownerID string, cfg lock.Config) (Locker, error)

// KVLockFactory leases through a kv.Store record.
func KVLockFactory(store kv.Store) LockFactory {
	return func(ownerID string, cfg lock.Config) (Locker, error) {
		l, err := lock.New(store, ownerID, cfg)
		if err != nil {
			return nil, err
		}

		return l, nil
	}
}

// RedsyncLockFactory leases through a redsync mutex on client.
func RedsyncLockFactory(client redis.UniversalClient) LockFactory {
	return func(ownerID string, cfg lock.Config) (Locker, error) {
		l, err := lock.NewRedsync(client, ownerID, cfg)
		if err != nil {
			return nil, err
		}

		return l, nil
	}
}
