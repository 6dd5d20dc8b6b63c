// Package obj provides the object store boundary for the platform's storage
// layers. Every layer (raw, validated, analytical, backlog) is a bucket of
// immutable objects: puts are atomic at object granularity, listings are by
// key prefix, and there are no partial writes visible to readers.
package obj

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get and Head when the object does not exist,
// and by Copy when the source object does not exist.
var ErrNotFound = errors.New("object not found")

// ObjectInfo describes a stored object as returned by List and Head.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Store is the minimal object store contract the pipeline depends on.
// Implementations must guarantee per-object atomic Put semantics: a reader
// never observes a partially written object.
type Store interface {
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) error
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Head(ctx context.Context, bucket, key string) (ObjectInfo, error)
	List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
	Copy(ctx context.Context, bucket, srcKey, dstKey string) error
	Delete(ctx context.Context, bucket, key string) error
}
