package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutObjectStoresCopy(t *testing.T) {
	t.Parallel()

	store := New()
	data := []byte{0x89, 'P', 'N', 'G'}
	uri, err := store.PutObject(context.Background(), "failures/41/failure.png", "image/png", data)
	require.NoError(t, err)
	require.Equal(t, "mem://failures/41/failure.png", uri)

	// Mutating the caller's slice must not change the stored object.
	data[0] = 0xFF
	stored, ok := store.GetObject("failures/41/failure.png")
	require.True(t, ok)
	require.Equal(t, []byte{0x89, 'P', 'N', 'G'}, stored)
	require.Equal(t, 1, store.Len())
}

func TestPutObjectRequiresPath(t *testing.T) {
	t.Parallel()

	store := New()
	_, err := store.PutObject(context.Background(), "  ", "image/png", []byte("x"))
	require.ErrorContains(t, err, "path is required")
}
