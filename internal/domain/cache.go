package domain

import (
	"context"
	"time"
)

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus fans normalized trades out to downstream consumers: a
// fire-and-forget pub/sub channel plus a capped durable stream.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	// StreamTail returns the newest count entries, newest first.
	StreamTail(ctx context.Context, stream string, count int) ([]StreamMessage, error)
}
