// Package object stores derived artifacts (analysis reports) under caller-chosen keys.
package object

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by Open and Delete implementations that can tell a
// missing key apart from other failures.
var ErrNotFound = errors.New("object not found")

// ErrInvalidKey rejects absolute or escaping keys.
var ErrInvalidKey = errors.New("invalid storage key")

// ObjectStore defines the contract for saving and retrieving binary objects.
type ObjectStore interface {
	Put(ctx context.Context, key, contentType string, r io.Reader) (sizeBytes int64, err error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}
