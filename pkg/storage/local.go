package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore reads files below a root directory.
type LocalStore struct {
	root string
}

// NewLocalStore builds a store rooted at dir.
func NewLocalStore(dir string) (*LocalStore, error) {
	if strings.TrimSpace(dir) == "" {
		dir = "."
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve upload root: %w", err)
	}
	return &LocalStore{root: abs}, nil
}

// Open resolves path relative to the root and refuses paths escaping it.
func (s *LocalStore) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	full := filepath.Join(s.root, filepath.Clean("/"+path))
	if full != s.root && !strings.HasPrefix(full, s.root+string(filepath.Separator)) {
		return nil, fmt.Errorf("path %q escapes upload root", path)
	}

	file, err := os.Open(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("open stored file: %w", err)
	}
	return file, nil
}
