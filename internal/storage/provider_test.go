package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrapewire/internal/storage/local"
	"github.com/JakeFAU/scrapewire/internal/storage/memory"
)

func TestNewBlobStore(t *testing.T) {
	t.Parallel()

	store, closeFn, err := NewBlobStore(context.Background(), Config{})
	require.NoError(t, err)
	require.IsType(t, &memory.BlobStore{}, store)
	require.NoError(t, closeFn())

	store, closeFn, err = NewBlobStore(context.Background(), Config{Provider: ProviderLocal, BaseDir: t.TempDir()})
	require.NoError(t, err)
	require.IsType(t, &local.BlobStore{}, store)
	require.NoError(t, closeFn())
}

func TestNewBlobStoreErrors(t *testing.T) {
	t.Parallel()

	_, closeFn, err := NewBlobStore(context.Background(), Config{Provider: "s3"})
	require.ErrorContains(t, err, `unknown storage provider "s3"`)
	require.NotNil(t, closeFn)

	_, _, err = NewBlobStore(context.Background(), Config{Provider: ProviderLocal})
	require.Error(t, err)

	_, _, err = NewBlobStore(context.Background(), Config{Provider: ProviderGCS})
	require.Error(t, err)
}
