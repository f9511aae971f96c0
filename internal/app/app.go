// Package app initializes and holds the crawl host's long-lived services: the
// storage backends, publisher, fetcher, rate limiter and crawl engine.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapewire/internal/archiver"
	"github.com/JakeFAU/scrapewire/internal/clock/system"
	"github.com/JakeFAU/scrapewire/internal/config"
	"github.com/JakeFAU/scrapewire/internal/crawler"
	collyfetcher "github.com/JakeFAU/scrapewire/internal/fetcher/colly"
	"github.com/JakeFAU/scrapewire/internal/hash/sha256"
	"github.com/JakeFAU/scrapewire/internal/id/uuid"
	"github.com/JakeFAU/scrapewire/internal/policy/ratelimit"
	"github.com/JakeFAU/scrapewire/internal/policy/retry"
	pubsubpublisher "github.com/JakeFAU/scrapewire/internal/publisher/pubsub"
	"github.com/JakeFAU/scrapewire/internal/storage"
	"github.com/JakeFAU/scrapewire/internal/storage/postgres"
)

// App holds the services shared by a crawl.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	engine  *archiver.Engine
	closers []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

// New builds every service cfg asks for. Services already started are closed
// when a later one fails.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}

	blobs, closeBlobs, err := storage.NewBlobStore(ctx, storage.Config{
		Provider:  cfg.Storage.Provider,
		BaseDir:   cfg.Storage.BaseDir,
		GCSBucket: cfg.Storage.GCSBucket,
	})
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	a.closers = append(a.closers, namedCloser{"storage", closeBlobs})
	logger.Info("blob storage ready", zap.String("provider", cfg.Storage.Provider))

	var retrievals crawler.RetrievalStore
	if cfg.DB.DSN != "" {
		store, err := postgres.NewRetrievalStore(ctx, postgres.RetrievalStoreConfig{
			DSN:   cfg.DB.DSN,
			Table: cfg.DB.Table,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init retrieval store: %w", err)
		}
		retrievals = store
		a.closers = append(a.closers, namedCloser{"postgres", func() error { store.Close(); return nil }})
		logger.Info("retrieval index ready", zap.String("table", cfg.DB.Table))
	}

	var publisher crawler.Publisher
	if cfg.PubSub.Topic != "" {
		pub, err := pubsubpublisher.Dial(ctx, cfg.PubSub.ProjectID, cfg.PubSub.Topic)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init publisher: %w", err)
		}
		publisher = pub
		a.closers = append(a.closers, namedCloser{"pubsub", pub.Close})
		logger.Info("publisher ready", zap.String("topic", cfg.PubSub.Topic))
	}

	headers := cfg.HTTP.Header()
	engine, err := archiver.New(archiver.Config{
		Workers:    cfg.General.Workers,
		BlobPrefix: cfg.Storage.Prefix,
		Topic:      cfg.PubSub.Topic,
		Headers:    headers,

		BlockedHosts: cfg.General.BlockedHosts,
	}, archiver.Deps{
		Fetcher: collyfetcher.New(collyfetcher.Config{
			UserAgent:   cfg.HTTP.UserAgent,
			Timeout:     cfg.HTTP.Timeout,
			MaxBodySize: cfg.HTTP.MaxBodyLength,
		}),
		Limiter: ratelimit.New(ratelimit.Config{
			Requests: cfg.RateLimiter.Requests,
			Per:      cfg.RateLimiter.Per,
			Burst:    cfg.RateLimiter.Burst,
			Jitter:   cfg.RateLimiter.Jitter,
		}),
		Retry:      retry.New(retry.Config{Attempts: cfg.HTTP.MaxAttempts}),
		Blobs:      blobs,
		Retrievals: retrievals,
		Publisher:  publisher,
		Hasher:     sha256.New(),
		Clock:      system.New(),
		IDs:        uuid.New(),
	}, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init engine: %w", err)
	}
	a.engine = engine
	return a, nil
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Engine returns the crawl engine.
func (a *App) Engine() *archiver.Engine {
	return a.engine
}

// Close shuts services down in reverse start order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			a.logger.Warn("error closing service", zap.String("service", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
