package local

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutObjectWritesFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := New(Config{BaseDir: dir})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "failures/41/failure.png", "image/png", []byte("png-bytes"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(uri, "file://"), uri)

	written, err := os.ReadFile(filepath.Join(dir, "failures", "41", "failure.png"))
	require.NoError(t, err)
	require.Equal(t, []byte("png-bytes"), written)
}

func TestPutObjectBlocksPathTraversal(t *testing.T) {
	t.Parallel()

	store, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "../outside.png", "image/png", []byte("x"))
	require.ErrorContains(t, err, "path traversal")
}

func TestNewCreatesMissingBaseDir(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "artifacts")
	_, err := New(Config{BaseDir: dir})
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestNewRequiresBaseDir(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.ErrorContains(t, err, "base directory is required")
}
