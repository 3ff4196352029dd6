// Package blob abstracts the segment blob store. Rotation writes
// immutable blobs keyed by stream and read sequence; the read path
// streams them back; the sweeper lists and deletes orphans.
package blob

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a blob key does not exist.
var ErrNotFound = errors.New("blob not found")

// Store is the narrow blob capability the engine consumes. Put is
// idempotent by key: rotation may retry an upload after a partial
// failure without corrupting the segment.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}
