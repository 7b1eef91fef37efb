// Package kv provides a durable key-value store with per-key expiration and
// an atomic set-if-absent primitive. The idempotency ledger and the webhook
// replay guard are built exclusively on this contract; the backend (process
// memory, SQLite, Postgres) is an implementation detail.
package kv

import (
	"context"
	"time"
)

// Entry wraps a stored value with its expiration. A zero ExpiresAt means the
// entry never expires. All backends sweep uniformly on this wrapper; there is
// no type-sniffing of values.
type Entry struct {
	Value     []byte    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the entry is past its expiration at the given time.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Store is the durable key-value contract. All operations are safe under
// concurrent callers targeting the same key. SetIfAbsent is the atomic
// primitive the rest of the system depends on: among concurrent racers for
// the same key, exactly one observes true.
//
// A ttl <= 0 means the entry never expires. Expired entries behave as absent
// for every operation, including SetIfAbsent.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// DeleteExpired removes entries past their expiration and returns the
	// number removed. Backends without native expiration rely on a periodic
	// sweep calling this.
	DeleteExpired(ctx context.Context) (int, error)

	Close() error
}

func expiresAt(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
