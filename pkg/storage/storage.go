package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound indicates the stored file does not exist.
var ErrNotFound = errors.New("stored file not found")

// FileStore opens stored submission files for reading. Implementations never
// write or delete.
type FileStore interface {
	Open(ctx context.Context, path string) (io.ReadCloser, error)
}
