// Package objectstore abstracts the bucket the lake is written to.
package objectstore

import (
	"context"
	"errors"
)

// ErrNotExist is returned by Get for a missing key.
var ErrNotExist = errors.New("object does not exist")

// Store is a flat key/value object store
type Store interface {
	// Put writes the whole object; readers never observe a partial object
	Put(ctx context.Context, key string, data []byte) error

	// Get reads a whole object
	Get(ctx context.Context, key string) ([]byte, error)

	// Exists reports whether key is visible
	Exists(ctx context.Context, key string) (bool, error)

	// List returns the keys under prefix in lexical order
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes key; deleting a missing key is not an error
	Delete(ctx context.Context, key string) error

	// Promote makes src visible under dst in one step and removes src
	Promote(ctx context.Context, src, dst string) error
}
