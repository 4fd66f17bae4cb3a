package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalStoreOpensFilesBelowRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "uploads", "submissions"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "uploads", "submissions", "a.txt"), []byte("hello"), 0o600))

	store, err := NewLocalStore(root)
	require.NoError(t, err)

	reader, err := store.Open(context.Background(), "uploads/submissions/a.txt")
	require.NoError(t, err)
	defer reader.Close()

	content, err := io.ReadAll(reader)
	require.NoError(t, err)
	require.Equal(t, "hello", string(content))
}

func TestLocalStoreMissingFile(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Open(context.Background(), "missing.pdf")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestLocalStoreContainsTraversal(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "root")
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(parent, "secret.txt"), []byte("secret"), 0o600))

	store, err := NewLocalStore(root)
	require.NoError(t, err)

	_, err = store.Open(context.Background(), "../secret.txt")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrNotFound), "traversal is resolved inside the root")
}
