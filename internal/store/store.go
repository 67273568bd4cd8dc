// Package store abstracts the durable key-value store the queue, cache and
// progress bridge are built on. The production implementation is Redis; an
// in-memory implementation backs unit tests and single-binary development.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound indicates the requested key (or list element) does not exist.
// Use errors.Is() to check for it in calling code.
var ErrKeyNotFound = errors.New("key not found")

// Message is a single pub/sub delivery.
type Message struct {
	// Channel is the concrete channel the message was published to, even for
	// pattern subscriptions.
	Channel string
	Payload string
}

// Subscription is a live pub/sub subscription. Messages() is closed when the
// subscription is closed or the underlying connection goes away.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Store is the key-value collaborator contract. All operations take a context
// for cancellation; TTL of zero means no expiry.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Keys enumerates keys matching a glob pattern (e.g. "event:*").
	Keys(ctx context.Context, pattern string) ([]string, error)

	// RPush appends values to the tail of a list, LPop removes and returns
	// the head. LPop returns ErrKeyNotFound when the list is empty.
	RPush(ctx context.Context, key string, values ...string) error
	LPop(ctx context.Context, key string) (string, error)
	LLen(ctx context.Context, key string) (int64, error)

	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error

	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
	// PSubscribe subscribes to all channels matching the glob patterns
	// (e.g. "job:*:updates").
	PSubscribe(ctx context.Context, patterns ...string) (Subscription, error)

	Close() error
}
