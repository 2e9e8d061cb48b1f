package lock

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// redsyncLease holds the lease as a redsync mutex whose value is the owner id.
type redsyncLease struct {
	mutex *redsync.Mutex
}

// NewRedsync creates a Lock backed by a redsync mutex on client. Renewal
// extends the mutex expiry; a failed extension is a lost lease.
func NewRedsync(client redis.UniversalClient, ownerID string, cfg Config) (*Lock, error) {
	if client == nil {
		return nil, ErrNilStore
	}

	if err := validateOwner(ownerID); err != nil {
		return nil, err
	}

	cfg.normalize()

	rs := redsync.New(goredis.NewPool(client))

	mutex := rs.NewMutex(
		cfg.Key,
		redsync.WithExpiry(cfg.TTL),
		redsync.WithTries(1),
		redsync.WithGenValueFunc(func() (string, error) { return ownerID, nil }),
	)

	return newLock(&redsyncLease{mutex: mutex}, ownerID, cfg), nil
}

func (b *redsyncLease) claim(ctx context.Context) (bool, error) {
	err := b.mutex.TryLockContext(ctx)
	if err == nil {
		return true, nil
	}

	if isContention(err) {
		return false, nil
	}

	return false, fmt.Errorf("redsync lock: %w", err)
}

func (b *redsyncLease) renew(ctx context.Context) (bool, error) {
	ok, err := b.mutex.ExtendContext(ctx)
	if err != nil {
		if isContention(err) || errors.Is(err, redsync.ErrExtendFailed) {
			return false, nil
		}

		return false, fmt.Errorf("redsync extend: %w", err)
	}

	return ok, nil
}

func (b *redsyncLease) clear(ctx context.Context) error {
	if _, err := b.mutex.UnlockContext(ctx); err != nil {
		if isContention(err) || errors.Is(err, redsync.ErrLockAlreadyExpired) {
			return nil
		}

		return fmt.Errorf("redsync unlock: %w", err)
	}

	return nil
}

func isContention(err error) bool {
	var taken *redsync.ErrTaken

	return errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken)
}
