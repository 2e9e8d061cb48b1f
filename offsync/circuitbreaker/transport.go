package circuitbreaker

import (
	"context"
	"errors"
	"fmt"

	"github.com/sony/gobreaker"

	"github.com/LerianStudio/lib-offsync/offsync/internal/nilcheck"
	"github.com/LerianStudio/lib-offsync/offsync/log"
	"github.com/LerianStudio/lib-offsync/offsync/protocol"
)

// Breaker names used in logs and state change notifications.
const (
	BreakerExecuteOps  = "execute-ops"
	BreakerPullChanges = "pull-changes"
)

var (
	// ErrNilTransport is returned when no transport is wrapped.
	ErrNilTransport = errors.New("circuitbreaker: transport is required")
	// ErrCircuitOpen is returned while a breaker rejects calls.
	ErrCircuitOpen = errors.New("circuitbreaker: circuit open")
)

// State represents circuit breaker state
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
	StateUnknown  State = "unknown"
)

func stateOf(state gobreaker.State) State {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateUnknown
	}
}

// StateChangeFunc is notified when a breaker changes state.
type StateChangeFunc func(breaker string, from, to State)

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the logger used for state transitions.
func WithLogger(logger log.Logger) Option {
	return func(t *Transport) {
		if !nilcheck.Interface(logger) {
			t.logger = logger
		}
	}
}

// WithStateChange registers a state change callback.
func WithStateChange(fn StateChangeFunc) Option {
	return func(t *Transport) {
		t.onStateChange = fn
	}
}

// Transport is a protocol.Transport guarded by circuit breakers.
type Transport struct {
	next          protocol.Transport
	logger        log.Logger
	onStateChange StateChangeFunc
	execute       *gobreaker.CircuitBreaker
	pull          *gobreaker.CircuitBreaker
}

var _ protocol.Transport = (*Transport)(nil)

// Wrap guards next with breakers built from cfg.
func Wrap(next protocol.Transport, cfg Config, opts ...Option) (*Transport, error) {
	if nilcheck.Interface(next) {
		return nil, ErrNilTransport
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	t := &Transport{next: next, logger: log.NewNop()}

	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}

	t.execute = t.newBreaker(BreakerExecuteOps, cfg)
	t.pull = t.newBreaker(BreakerPullChanges, cfg)

	return t, nil
}

func (t *Transport) newBreaker(name string, cfg Config) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: cfg.readyToTrip,
		// A caller giving up says nothing about backend health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			t.logger.Log(context.Background(), log.LevelWarn, "circuit breaker state changed",
				log.String("breaker", name),
				log.String("from", string(stateOf(from))),
				log.String("to", string(stateOf(to))),
			)

			if t.onStateChange != nil {
				t.onStateChange(name, stateOf(from), stateOf(to))
			}
		},
	})
}

// State returns the state of the named breaker.
func (t *Transport) State(breaker string) State {
	switch breaker {
	case BreakerExecuteOps:
		return stateOf(t.execute.State())
	case BreakerPullChanges:
		return stateOf(t.pull.State())
	default:
		return StateUnknown
	}
}

// ExecuteOps implements protocol.Transport.
func (t *Transport) ExecuteOps(ctx context.Context, ops []protocol.Operation, meta protocol.BatchMeta) (map[string]protocol.OpResult, error) {
	result, err := t.execute.Execute(func() (any, error) {
		return t.next.ExecuteOps(ctx, ops, meta)
	})
	if err != nil {
		return nil, mapError(BreakerExecuteOps, err)
	}

	results, _ := result.(map[string]protocol.OpResult)

	return results, nil
}

// PullChanges implements protocol.Transport.
func (t *Transport) PullChanges(ctx context.Context, req protocol.PullRequest) (*protocol.PullBatch, error) {
	result, err := t.pull.Execute(func() (any, error) {
		return t.next.PullChanges(ctx, req)
	})
	if err != nil {
		return nil, mapError(BreakerPullChanges, err)
	}

	batch, _ := result.(*protocol.PullBatch)

	return batch, nil
}

// Subscribe implements protocol.Transport without a breaker.
func (t *Transport) Subscribe(ctx context.Context, req protocol.SubscribeRequest) (protocol.Subscription, error) {
	return t.next.Subscribe(ctx, req)
}

func mapError(breaker string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) {
		return fmt.Errorf("%w: %s is open: %w", ErrCircuitOpen, breaker, err)
	}

	if errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s is recovering: %w", ErrCircuitOpen, breaker, err)
	}

	return err
}
