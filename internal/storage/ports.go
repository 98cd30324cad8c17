package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrObjectNotFound is returned when a key does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStorage defines the interface for object storage operations. It
// abstracts the underlying provider so tests can swap in fakes.
type ObjectStorage interface {
	// Put stores an object, streaming from reader without buffering the
	// full payload in memory.
	Put(ctx context.Context, bucket, key string, reader io.Reader, contentType string) error

	// Get retrieves an object by key.
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)

	// Exists checks if an object exists.
	Exists(ctx context.Context, bucket, key string) (bool, error)

	// Size returns the object size in bytes. Returns ErrObjectNotFound for
	// absent keys.
	Size(ctx context.Context, bucket, key string) (int64, error)

	// Delete removes an object.
	Delete(ctx context.Context, bucket, key string) error

	// PresignGet generates a time-bounded signed URL granting read access to
	// the object.
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}
