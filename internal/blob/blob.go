// Package blob provides the object storage capability: relaying bytes
// into durable storage and handing out time-limited retrieval URLs.
package blob

import (
	"context"
	"time"
)

// Store is the object storage interface used by the fetch loop and the
// query API.
type Store interface {
	// Put stores data under key and returns the number of bytes stored.
	Put(ctx context.Context, key string, data []byte, contentType string) (int64, error)

	// Get returns the bytes stored under key.
	Get(ctx context.Context, key string) ([]byte, error)

	// PresignGet returns a time-limited URL for retrieving key.
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}
