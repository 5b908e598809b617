package cacheopt

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"github.com/sony/gobreaker"

	"github.com/searchmesh/cacheopt/pkg/observability"
)

// StoreClient is the key-value store surface the subsystem consumes.
// The facade degrades every failure here to a miss or no-op.
type StoreClient interface {
	Get(ctx context.Context, key string) (string, error)
	SetEX(ctx context.Context, key, value string, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
	Del(ctx context.Context, keys ...string) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error)
	Ping(ctx context.Context) error
	Close() error
}

// ErrKeyNotFound is returned by Get for missing keys.
var ErrKeyNotFound = redis.Nil

// ResilientStoreClient wraps a Redis client with circuit breaker and
// exponential retry. An open breaker or exhausted retries surface as
// errors wrapping ErrStoreUnavailable.
type ResilientStoreClient struct {
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker
	logger  observability.Logger
	metrics observability.MetricsClient

	maxRetries      uint64
	initialInterval time.Duration
	maxInterval     time.Duration
}

// NewResilientStoreClient creates a resilient wrapper around client.
func NewResilientStoreClient(client *redis.Client, logger observability.Logger, metrics observability.MetricsClient) *ResilientStoreClient {
	if logger == nil {
		logger = observability.NewLogger("cacheopt.store")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	settings := gobreaker.Settings{
		Name:        "cacheopt_store",
		MaxRequests: 5,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 10 && failureRatio >= 0.6
		},
		IsSuccessful: func(err error) bool {
			// A missing key is a normal outcome, not a store failure
			return err == nil || errors.Is(err, redis.Nil)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Store circuit breaker state change", map[string]interface{}{
				"name": name,
				"from": from.String(),
				"to":   to.String(),
			})
			metrics.IncrementCounterWithLabels("cacheopt.store.breaker_transitions", 1, map[string]string{
				"to": to.String(),
			})
		},
	}

	return &ResilientStoreClient{
		client:          client,
		breaker:         gobreaker.NewCircuitBreaker(settings),
		logger:          logger,
		metrics:         metrics,
		maxRetries:      3,
		initialInterval: 100 * time.Millisecond,
		maxInterval:     2 * time.Second,
	}
}

func (s *ResilientStoreClient) execute(ctx context.Context, op func() error) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = s.initialInterval
		bo.MaxInterval = s.maxInterval

		return nil, backoff.Retry(func() error {
			err := op()
			if err != nil && errors.Is(err, redis.Nil) {
				// Not retryable: the key simply does not exist
				return backoff.Permanent(err)
			}
			return err
		}, backoff.WithContext(backoff.WithMaxRetries(bo, s.maxRetries), ctx))
	})

	if err != nil && !errors.Is(err, redis.Nil) {
		s.metrics.IncrementCounterWithLabels("cacheopt.store.errors", 1, nil)
	}

	return err
}

// Get retrieves a value. Returns ErrKeyNotFound for missing keys.
func (s *ResilientStoreClient) Get(ctx context.Context, key string) (string, error) {
	var val string
	err := s.execute(ctx, func() error {
		v, err := s.client.Get(ctx, key).Result()
		if err != nil {
			return err
		}
		val = v
		return nil
	})
	return val, err
}

// SetEX stores a value with the given TTL as the store's own expiry.
func (s *ResilientStoreClient) SetEX(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.execute(ctx, func() error {
		return s.client.Set(ctx, key, value, ttl).Err()
	})
}

// Exists reports whether the key is present.
func (s *ResilientStoreClient) Exists(ctx context.Context, key string) (bool, error) {
	var n int64
	err := s.execute(ctx, func() error {
		v, err := s.client.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		n = v
		return nil
	})
	return n > 0, err
}

// Del removes keys.
func (s *ResilientStoreClient) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.execute(ctx, func() error {
		return s.client.Del(ctx, keys...).Err()
	})
}

// TTL returns the remaining time to live of a key.
func (s *ResilientStoreClient) TTL(ctx context.Context, key string) (time.Duration, error) {
	var ttl time.Duration
	err := s.execute(ctx, func() error {
		v, err := s.client.TTL(ctx, key).Result()
		if err != nil {
			return err
		}
		ttl = v
		return nil
	})
	return ttl, err
}

// Expire resets the TTL of a key.
func (s *ResilientStoreClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.execute(ctx, func() error {
		return s.client.Expire(ctx, key, ttl).Err()
	})
}

// Scan runs one cursor round-trip of a non-blocking key enumeration.
func (s *ResilientStoreClient) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	var (
		keys []string
		next uint64
	)
	err := s.execute(ctx, func() error {
		k, n, err := s.client.Scan(ctx, cursor, match, count).Result()
		if err != nil {
			return err
		}
		keys, next = k, n
		return nil
	})
	return keys, next, err
}

// Ping checks store connectivity through the breaker.
func (s *ResilientStoreClient) Ping(ctx context.Context) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	return err
}

// Close closes the underlying client.
func (s *ResilientStoreClient) Close() error {
	return s.client.Close()
}
