package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	uri, err := store.PutObject(context.Background(), "files/abc.png", "image/png", bytes.NewReader([]byte("content")))
	require.NoError(t, err)
	require.Equal(t, "memory://files/abc.png", uri)

	data, contentType, ok := store.Object("files/abc.png")
	require.True(t, ok)
	require.Equal(t, "content", string(data))
	require.Equal(t, "image/png", contentType)

	data[0] = 'C'
	again, _, _ := store.Object("files/abc.png")
	require.Equal(t, "content", string(again))
	require.Equal(t, 1, store.Len())
}

func TestBlobStoreRequiresKey(t *testing.T) {
	t.Parallel()

	_, err := NewBlobStore().PutObject(context.Background(), "", "", bytes.NewReader(nil))
	require.Error(t, err)
}
