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
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "pages/example.com/abc", "text/html", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://pages/example.com/abc", uri)

	payload[0] = 'C'
	obj, ok := store.Get("pages/example.com/abc")
	require.True(t, ok)
	require.Equal(t, "content", string(obj.Data))
	require.Equal(t, "text/html", obj.ContentType)

	obj.Data[0] = 'X'
	again, _ := store.Get("pages/example.com/abc")
	require.Equal(t, "content", string(again.Data), "Get must return a copy")
}

func TestBlobStorePaths(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	for _, p := range []string{"b", "a", "c"} {
		_, err := store.PutObject(context.Background(), p, "", bytes.NewReader(nil))
		require.NoError(t, err)
	}
	require.Equal(t, []string{"a", "b", "c"}, store.Paths())

	_, ok := store.Get("missing")
	require.False(t, ok)
}
