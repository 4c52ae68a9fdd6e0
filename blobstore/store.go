// Package blobstore abstracts where backup artifacts are kept: a local
// directory, memory, or an object store.
package blobstore

import (
	"context"
	"io"
	"os"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations should return an error that satisfies
// `errors.Is(err, ErrNotFound)`. The default maps to `os.ErrNotExist`.
var ErrNotFound = os.ErrNotExist

// Store reads and writes named immutable blobs.
type Store interface {
	// Put writes a blob under the given name, replacing any previous
	// content.
	Put(ctx context.Context, name string, r io.Reader) error

	// Open opens a blob for reading and reports its size.
	Open(ctx context.Context, name string) (io.ReadCloser, int64, error)

	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error

	// List returns the names of all blobs with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}
