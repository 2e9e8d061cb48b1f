// Package redis implements kv.ConditionalStore on top of go-redis, for
// deployments where several engine instances share one Redis.
package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/LerianStudio/lib-offsync/offsync/kv"
)

const defaultKeyPrefix = "offsync:"

// ErrNilClient is returned when the store is built without a client.
var ErrNilClient = errors.New("kv/redis: client is nil")

// compareAndSwapScript atomically checks the current value and replaces or
// deletes it. ARGV: expectPresent, expected, writeValue, value.
var compareAndSwapScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if ARGV[1] == '0' then
  if current then return 0 end
else
  if (not current) or current ~= ARGV[2] then return 0 end
end
if ARGV[3] == '0' then
  redis.call('DEL', KEYS[1])
else
  redis.call('SET', KEYS[1], ARGV[4])
end
return 1
`)

// Store is a Redis-backed kv.ConditionalStore.
type Store struct {
	client redis.UniversalClient
	prefix string
}

var _ kv.ConditionalStore = (*Store)(nil)

// Option customizes a Store.
type Option func(*Store)

// WithKeyPrefix namespaces every key. The default prefix is "offsync:".
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// New creates a Store over client.
func New(client redis.UniversalClient, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, ErrNilClient
	}

	store := &Store{client: client, prefix: defaultKeyPrefix}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	return store, nil
}

// Get returns the value for key, or nil, nil when the key does not exist.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if s == nil || s.client == nil {
		return nil, ErrNilClient
	}

	if err := kv.ValidateKey(key); err != nil {
		return nil, err
	}

	val, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	return val, nil
}

// Set stores value under key without expiration. A nil value deletes the key.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if s == nil || s.client == nil {
		return ErrNilClient
	}

	if err := kv.ValidateKey(key); err != nil {
		return err
	}

	if value == nil {
		if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
			return fmt.Errorf("redis delete: %w", err)
		}

		return nil
	}

	if err := s.client.Set(ctx, s.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}

	return nil
}

// CompareAndSwap runs the conditional write as a single Lua script.
func (s *Store) CompareAndSwap(ctx context.Context, key string, expected, value []byte) (bool, error) {
	if s == nil || s.client == nil {
		return false, ErrNilClient
	}

	if err := kv.ValidateKey(key); err != nil {
		return false, err
	}

	args := []any{flag(expected != nil), string(expected), flag(value != nil), string(value)}

	swapped, err := compareAndSwapScript.Run(ctx, s.client, []string{s.prefix + key}, args...).Int()
	if err != nil {
		return false, fmt.Errorf("redis compare-and-swap: %w", err)
	}

	return swapped == 1, nil
}

func flag(set bool) string {
	if set {
		return "1"
	}

	return "0"
}
