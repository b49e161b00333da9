// Package kvstore defines the persistence contract mesh components write
// through, plus the in-memory and Redis implementations.
//
// Components never assume a concrete backend: the memory store is the
// default and the reference for semantics; the Redis store maps the same
// contract onto go-redis. Optional capabilities (hashes, sorted sets,
// pub/sub) are separate interfaces discovered by type assertion.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is the minimal contract every backend provides. A zero ttl on Set
// means the key does not expire.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// Keys returns the keys matching a glob pattern ("agent:*").
	Keys(ctx context.Context, pattern string) ([]string, error)
}

// HashStore is the optional hash capability (agent metadata records).
type HashStore interface {
	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
}

// SortedSetStore is the optional sorted-set capability (trust-score
// leaderboards).
type SortedSetStore interface {
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
}

// PubSubStore is the optional publish/subscribe capability used to bridge
// mesh events across processes. Subscribe returns an unsubscribe func.
type PubSubStore interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, handler func(payload []byte)) (func(), error)
}
