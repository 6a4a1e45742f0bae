package content

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilesystemStoreSaveOpenRoundTrip(t *testing.T) {
	store, err := NewFilesystemStore(t.TempDir())
	require.NoError(t, err)

	handle, size, err := store.Save(context.Background(), bytes.NewReader([]byte("hello world")))
	require.NoError(t, err)
	require.EqualValues(t, 11, size)
	require.NotEmpty(t, handle)

	rc, err := store.Open(context.Background(), handle)
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))
}

func TestFilesystemStoreOpenMissingHandleReturnsErrNotFound(t *testing.T) {
	store, err := NewFilesystemStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Open(context.Background(), "ab/cd/abcdnonexistent")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestFilesystemStoreDeleteIsIdempotent(t *testing.T) {
	store, err := NewFilesystemStore(t.TempDir())
	require.NoError(t, err)

	handle, _, err := store.Save(context.Background(), bytes.NewReader([]byte("bye")))
	require.NoError(t, err)

	require.NoError(t, store.Delete(context.Background(), handle))
	require.NoError(t, store.Delete(context.Background(), handle))

	_, err = store.Open(context.Background(), handle)
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestFilesystemStoreRejectsHandleEscapingRoot(t *testing.T) {
	store, err := NewFilesystemStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Open(context.Background(), "../../etc/passwd")
	require.Error(t, err)
}
