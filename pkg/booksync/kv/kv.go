// Package kv defines the key/value backend the cache and event layers are built on.
//
// The operation set is a deliberate subset of Redis: plain strings with TTL, hash
// increment, sorted sets and pub/sub. Two implementations are provided, an in-memory
// one for tests and single-process deployments, and a go-redis adapter.
package kv

import (
	"context"
	"errors"
	"time"
)

// TTL sentinel values returned by Store.TTL.
const (
	// NoExpiry is returned for a key that exists but has no TTL.
	NoExpiry = time.Duration(-1)
	// Missing is returned for a key that does not exist.
	Missing = time.Duration(-2)
)

// ErrClosed is returned by operations on a closed store or subscription.
var ErrClosed = errors.New("kv: closed")

// ScoredMember is a sorted-set member with its score.
type ScoredMember struct {
	Member string
	Score  float64
}

// Message is a single pub/sub delivery.
type Message struct {
	Channel string
	Payload string
}

// Store is the command side of the backend. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get returns the value stored at key. found is false on a miss.
	Get(ctx context.Context, key string) (value string, found bool, err error)

	// Set stores value at key. A ttl <= 0 stores the key without expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Del removes the given keys and returns how many existed.
	Del(ctx context.Context, keys ...string) (int64, error)

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Expire sets a TTL on an existing key. It is a no-op on a missing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// TTL returns the remaining lifetime of key, NoExpiry or Missing.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Scan returns every key matching the glob pattern. Implementations must
	// iterate incrementally rather than issue a blocking full keyspace listing.
	Scan(ctx context.Context, pattern string) ([]string, error)

	// HIncrBy increments field of the hash at key and returns the new value.
	// A ttl > 0 is assigned when the key has no expiry; an existing expiry is kept.
	HIncrBy(ctx context.Context, key, field string, by int64, ttl time.Duration) (int64, error)

	// ZAdd adds or updates member with score.
	ZAdd(ctx context.Context, key string, score float64, member string) error

	// ZRevRangeWithScores returns members ordered from highest to lowest score,
	// using Redis rank semantics for start and stop (negative counts from the end).
	ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ScoredMember, error)

	// ZRemRangeByRank removes members by ascending rank, inclusive.
	ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error

	// ZRemRangeByScore removes members whose score is within [min, max].
	// math.Inf values are accepted for open bounds.
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error

	// ZRem removes members from the sorted set.
	ZRem(ctx context.Context, key string, members ...string) error

	// Publish sends message on channel. It returns once the backend accepted it.
	Publish(ctx context.Context, channel, message string) error
}

// Subscriber opens subscriptions. In Redis a subscribed connection cannot issue
// commands, so a Subscriber must not share its connection with a Store.
type Subscriber interface {
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
}

// Subscription delivers messages until closed.
type Subscription interface {
	// Messages returns the delivery channel. It is closed when the subscription ends.
	Messages() <-chan Message
	Close() error
}
