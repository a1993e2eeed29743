package coordstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds connection settings for the coordination store.
type Config struct {
	Address      string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewClient connects to Redis and verifies the connection.
func NewClient(cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

// Store is a thin adapter over Redis exposing the atomic primitives the
// metering engine is allowed to use. All mutation of shared counters goes
// through IncrBy/DecrBy/SetNX; there is deliberately no read-modify-write
// helper here.
type Store struct {
	client    *redis.Client
	namespace string
}

// New creates a store with all keys scoped under the given namespace.
func New(client *redis.Client, namespace string) *Store {
	return &Store{client: client, namespace: namespace}
}

// UsageKey returns the counter key for a (customer, meter) pair.
func (s *Store) UsageKey(customerID, meter string) string {
	return fmt.Sprintf("%s:buf:%s:%s", s.namespace, customerID, meter)
}

// LastReportKey returns the key holding a customer's last confirmed report time.
func (s *Store) LastReportKey(customerID string) string {
	return fmt.Sprintf("%s:last:%s", s.namespace, customerID)
}

// LockKey returns the report-in-progress lock key for a customer.
func (s *Store) LockKey(customerID string) string {
	return fmt.Sprintf("%s:lock:%s", s.namespace, customerID)
}

// SweepLockKey returns the single fleet-wide sweep lock key.
func (s *Store) SweepLockKey() string {
	return fmt.Sprintf("%s:sweep_lock", s.namespace)
}

// UsageKeyPattern returns the SCAN pattern matching all usage counters.
func (s *Store) UsageKeyPattern() string {
	return fmt.Sprintf("%s:buf:*", s.namespace)
}

// ParseUsageKey splits a usage counter key back into (customerID, meter).
func (s *Store) ParseUsageKey(key string) (customerID, meter string, err error) {
	prefix := fmt.Sprintf("%s:buf:", s.namespace)
	rest, ok := strings.CutPrefix(key, prefix)
	if !ok {
		return "", "", fmt.Errorf("not a usage key: %s", key)
	}
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed usage key: %s", key)
	}
	return parts[0], parts[1], nil
}

// IncrBy atomically adds delta to a counter and refreshes its TTL.
func (s *Store) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	pipe := s.client.Pipeline()
	incrCmd := pipe.IncrBy(ctx, key, delta)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", key, err)
	}
	return incrCmd.Val(), nil
}

// DecrBy atomically subtracts delta from a counter.
func (s *Store) DecrBy(ctx context.Context, key string, delta int64) (int64, error) {
	val, err := s.client.DecrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to decrement %s: %w", key, err)
	}
	return val, nil
}

// GetInt reads an integer value; an absent key reads as zero.
func (s *Store) GetInt(ctx context.Context, key string) (int64, error) {
	val, err := s.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return val, nil
}

// SetNX sets a key only if it does not already exist, with a TTL lease.
// Returns true if the key was set (the lock was acquired).
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to setnx %s: %w", key, err)
	}
	return ok, nil
}

// Set unconditionally writes a key with a TTL.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Exists reports whether a key is currently present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check %s: %w", key, err)
	}
	return n > 0, nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// ScanKeys enumerates all keys matching the given pattern.
func (s *Store) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, nextCursor, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys: %w", err)
		}
		keys = append(keys, batch...)

		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}
