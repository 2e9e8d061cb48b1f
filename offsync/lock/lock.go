package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/LerianStudio/lib-offsync/offsync/backoff"
	"github.com/LerianStudio/lib-offsync/offsync/internal/telemetry"
	"github.com/LerianStudio/lib-offsync/offsync/log"
	"github.com/LerianStudio/lib-offsync/offsync/runtime"
)

var (
	// ErrAlreadyActive is returned by Acquire when another instance holds the lease.
	ErrAlreadyActive = errors.New("lock: another sync instance is already active")
	// ErrStoreUnavailable is returned by Acquire when the lease store itself
	// failed on the last attempt.
	ErrStoreUnavailable = errors.New("lock: lease store unavailable")
	// ErrLost is returned by Renew when ownership could not be confirmed.
	ErrLost = errors.New("lock: lease lost")
	// ErrNotHeld is returned by Renew when the lease is not held.
	ErrNotHeld = errors.New("lock: lease not held")
	// ErrNilStore is returned when a lock is built without a backing store.
	ErrNilStore = errors.New("lock: store is required")
	// ErrEmptyOwner is returned when a lock is built without an owner id.
	ErrEmptyOwner = errors.New("lock: owner id is required")

	errNotConfirmed = errors.New("lock: ownership not confirmed")
)

// backend performs single lease operations against shared storage.
type backend interface {
	// claim takes the lease if it is free, expired or already ours.
	claim(ctx context.Context) (bool, error)
	// renew pushes the expiry of a lease we hold.
	renew(ctx context.Context) (bool, error)
	// clear removes the lease if we still hold it.
	clear(ctx context.Context) error
}

// Lock is a renewable single-instance lease.
type Lock struct {
	backend backend
	owner   string
	cfg     Config
	logger  log.Logger

	mu         sync.Mutex
	held       bool
	expiresAt  time.Time
	lost       chan struct{}
	lostClosed bool
	stopRenew  chan struct{}
	renewDone  chan struct{}
}

func newLock(b backend, owner string, cfg Config) *Lock {
	return &Lock{
		backend: b,
		owner:   owner,
		cfg:     cfg,
		logger:  cfg.Logger.With(log.String("component", "lock"), log.String("lock_key", safeKeyForLogs(cfg.Key))),
		lost:    make(chan struct{}),
	}
}

// OwnerID returns the identifier this instance writes into the lease.
func (l *Lock) OwnerID() string {
	return l.owner
}

// Key returns the lease key.
func (l *Lock) Key() string {
	return l.cfg.Key
}

// Held reports whether this instance currently believes it holds the lease.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.held
}

// Lost is closed when renewal detects the lease was lost. A later successful
// Acquire installs a fresh channel.
func (l *Lock) Lost() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.lost
}

// Acquire claims the lease, retrying up to the configured attempts, and starts
// background renewal. Acquiring a held lease is a no-op.
func (l *Lock) Acquire(ctx context.Context) error {
	if l.Held() {
		return nil
	}

	ctx, span := l.cfg.Tracer.Start(ctx, "offsync.lock.acquire",
		trace.WithAttributes(attribute.String("offsync.lock.owner", l.owner)))
	defer span.End()

	err := backoff.Retry(ctx, l.cfg.Clock, l.cfg.Retry, func(ctx context.Context, _ int) error {
		ok, err := l.backend.claim(ctx)
		if err != nil {
			return err
		}

		if !ok {
			return errNotConfirmed
		}

		return nil
	}, func(attempt backoff.Attempt) {
		l.logger.Log(ctx, log.LevelDebug, "lock busy, retrying",
			log.Int("attempt", attempt.Number),
			log.Duration("delay", attempt.Delay),
		)
	})
	if err != nil {
		telemetry.HandleSpanError(span, "failed to acquire lock", err)

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("acquire lock: %w", err)
		}

		if errors.Is(err, errNotConfirmed) {
			return fmt.Errorf("%w: %w", ErrAlreadyActive, err)
		}

		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})

	l.mu.Lock()
	l.held = true
	l.expiresAt = l.cfg.Clock.Now().Add(l.cfg.TTL)

	if l.lostClosed {
		l.lost = make(chan struct{})
		l.lostClosed = false
	}

	l.stopRenew, l.renewDone = stop, done
	l.mu.Unlock()

	runtime.SafeGo(l.logger, "lock-renewal", runtime.KeepRunning, func() {
		l.renewLoop(stop, done)
	})

	l.logger.Log(ctx, log.LevelDebug, "lock acquired")

	return nil
}

// Renew performs one renewal. Transient store errors are tolerated until the
// last confirmed expiry passes; failed confirmation revokes ownership.
func (l *Lock) Renew(ctx context.Context) error {
	if !l.Held() {
		return ErrNotHeld
	}

	ok, err := l.backend.renew(ctx)
	if err != nil {
		l.mu.Lock()
		expired := !l.cfg.Clock.Now().Before(l.expiresAt)
		l.mu.Unlock()

		if !expired {
			l.logger.Log(ctx, log.LevelWarn, "lock renewal failed, lease still valid", log.Err(err))

			return fmt.Errorf("renew lock: %w", err)
		}

		l.markLost(ctx, "renewal failed after lease expiry")

		return fmt.Errorf("%w: %w", ErrLost, err)
	}

	if !ok {
		l.markLost(ctx, "ownership not confirmed")

		return ErrLost
	}

	l.mu.Lock()
	if l.held {
		l.expiresAt = l.cfg.Clock.Now().Add(l.cfg.TTL)
	}
	l.mu.Unlock()

	return nil
}

// Release stops renewal and, if the lease is held, clears it best-effort.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	wasHeld := l.held
	l.held = false
	stop, done := l.stopRenew, l.renewDone
	l.stopRenew, l.renewDone = nil, nil
	l.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}

	if !wasHeld {
		return nil
	}

	if err := l.backend.clear(ctx); err != nil {
		l.logger.Log(ctx, log.LevelWarn, "failed to clear lock record", log.Err(err))

		return fmt.Errorf("release lock: %w", err)
	}

	l.logger.Log(ctx, log.LevelDebug, "lock released")

	return nil
}

func (l *Lock) renewLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := l.cfg.Clock.NewTicker(l.cfg.RenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
		}

		select {
		case <-stop:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), l.cfg.RenewInterval)
		err := l.Renew(ctx)

		cancel()

		if errors.Is(err, ErrLost) || errors.Is(err, ErrNotHeld) {
			return
		}
	}
}

func (l *Lock) markLost(ctx context.Context, reason string) {
	l.mu.Lock()
	if !l.held {
		l.mu.Unlock()
		return
	}

	l.held = false

	if l.stopRenew != nil {
		close(l.stopRenew)
	}

	l.stopRenew, l.renewDone = nil, nil

	if !l.lostClosed {
		close(l.lost)
		l.lostClosed = true
	}

	onLost := l.cfg.OnLost
	l.mu.Unlock()

	l.logger.Log(ctx, log.LevelWarn, "lock lost", log.String("reason", reason))

	if onLost != nil {
		runtime.SafeCall(ctx, l.logger, "lock", "on-lost", onLost)
	}
}

func validateOwner(owner string) error {
	if strings.TrimSpace(owner) == "" {
		return ErrEmptyOwner
	}

	return nil
}

func safeKeyForLogs(key string) string {
	const maxKeyLogLength = 128

	if len(key) <= maxKeyLogLength {
		return key
	}

	return key[:maxKeyLogLength] + "...(truncated)"
}
