// Package lock implements the single-instance lease that keeps more than one
// synchronizer from driving the same logical key at once.
//
// A Lock acquires a time-bound lease, renews it on a clock ticker and reports
// loss through Lost. Two backends are provided: a kv.Store lease, which uses an
// atomic compare-and-swap when the store offers one and read-after-write
// confirmation otherwise, and a redsync lease for Redis deployments.
//
// Typical usage:
//
//	l, err := lock.New(store, ownerID, lock.Config{Key: "offsync:lock:todos"})
//	if err != nil {
//		return err
//	}
//
//	if err := l.Acquire(ctx); err != nil {
//		return err // errors.Is(err, lock.ErrAlreadyActive) when another instance holds it
//	}
//	defer l.Release(context.Background())
package lock
