// Package storage selects the blob store that archived bodies are written to.
package storage

import (
	"context"
	"fmt"

	"github.com/JakeFAU/scrapewire/internal/crawler"
	"github.com/JakeFAU/scrapewire/internal/storage/gcs"
	"github.com/JakeFAU/scrapewire/internal/storage/local"
	"github.com/JakeFAU/scrapewire/internal/storage/memory"
)

// Provider names accepted in storage.provider.
const (
	ProviderMemory = "memory"
	ProviderLocal  = "local"
	ProviderGCS    = "gcs"
)

// Config picks and configures a blob store.
type Config struct {
	Provider  string
	BaseDir   string
	GCSBucket string
}

// NewBlobStore builds the configured blob store. The returned close function
// is never nil.
func NewBlobStore(ctx context.Context, cfg Config) (crawler.BlobStore, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Provider {
	case "", ProviderMemory:
		return memory.NewBlobStore(), noop, nil
	case ProviderLocal:
		store, err := local.New(local.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, noop, fmt.Errorf("local blob store: %w", err)
		}
		return store, noop, nil
	case ProviderGCS:
		store, err := gcs.Dial(ctx, gcs.Config{Bucket: cfg.GCSBucket})
		if err != nil {
			return nil, noop, fmt.Errorf("gcs blob store: %w", err)
		}
		return store, store.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown storage provider %q", cfg.Provider)
	}
}
