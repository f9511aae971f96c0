// Package archiver runs the crawl: it drains the frontier, fetches and
// archives each page, and hands responses to the scraper workers.
package archiver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/scrapewire/internal/crawler"
	"github.com/JakeFAU/scrapewire/internal/metrics"
	"github.com/JakeFAU/scrapewire/internal/queue/memory"
)

const defaultContentType = "application/octet-stream"

// Dispatcher receives every page fetched from the frontier.
type Dispatcher interface {
	Process(ctx context.Context, resp crawler.Response) error
}

// Config controls Engine behavior.
type Config struct {
	// Workers is the number of frontier URLs processed concurrently.
	Workers int
	// BlobPrefix is prepended to blob paths.
	BlobPrefix string
	// Topic receives an ArchivedEvent per stored page when a Publisher is set.
	Topic string
	// Headers are sent with every request.
	Headers http.Header
	// BlockedHosts are never queued.
	BlockedHosts []string
}

// Deps are the Engine's collaborators. Limiter, Retry, Retrievals and
// Publisher are optional.
type Deps struct {
	Fetcher    crawler.Fetcher
	Limiter    crawler.Limiter
	Retry      crawler.RetryPolicy
	Blobs      crawler.BlobStore
	Retrievals crawler.RetrievalStore
	Publisher  crawler.Publisher
	Hasher     crawler.Hasher
	Clock      crawler.Clock
	IDs        crawler.IDGenerator
}

// Engine owns the crawl frontier. It implements worker.Host. An Engine runs
// a single crawl.
type Engine struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	frontier *memory.Queue
	blocked  *crawler.HostBlocklist
	seenMu   sync.Mutex
	seen     map[string]struct{}
	// outstanding counts queued plus in-flight URLs.
	outstanding atomic.Int64
	archived    atomic.Int64
}

// New builds an Engine.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Engine, error) {
	if deps.Fetcher == nil || deps.Blobs == nil || deps.Hasher == nil || deps.Clock == nil || deps.IDs == nil {
		return nil, errors.New("archiver: fetcher, blob store, hasher, clock and id generator are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Engine{
		cfg:      cfg,
		deps:     deps,
		logger:   logger,
		frontier: memory.NewQueue(),
		blocked:  crawler.NewHostBlocklist(cfg.BlockedHosts),
		seen:     make(map[string]struct{}),
	}, nil
}

// Archived returns how many pages have been stored.
func (e *Engine) Archived() int64 {
	return e.archived.Load()
}

// Status is a snapshot of crawl progress.
type Status struct {
	Archived int64 `json:"archived"`
	Queued   int   `json:"queued"`
	// Pending counts queued plus in-flight URLs.
	Pending int64 `json:"pending"`
}

// Status reports current progress.
func (e *Engine) Status() Status {
	return Status{
		Archived: e.archived.Load(),
		Queued:   e.frontier.Len(),
		Pending:  e.outstanding.Load(),
	}
}

// Run seeds the frontier with start and processes it until no URL is queued
// or in flight, or ctx ends. Every frontier page is passed to d.
func (e *Engine) Run(ctx context.Context, d Dispatcher, start ...crawler.URLInfo) error {
	for _, u := range start {
		if err := e.Discover(ctx, u); err != nil {
			return err
		}
	}
	if e.outstanding.Load() == 0 {
		e.frontier.Close()
		return nil
	}

	e.logger.Info("crawl started", zap.Int("seeds", len(start)), zap.Int("workers", e.cfg.Workers))
	g, gctx := errgroup.WithContext(ctx)
	for range e.cfg.Workers {
		g.Go(func() error {
			return e.loop(gctx, d)
		})
	}
	err := g.Wait()
	e.frontier.Close()
	metrics.SetFrontierSize(0)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("archiver: %w", err)
	}
	e.logger.Info("crawl finished", zap.Int64("archived", e.archived.Load()))
	return nil
}

func (e *Engine) loop(ctx context.Context, d Dispatcher) error {
	for {
		u, err := e.frontier.Dequeue(ctx)
		if errors.Is(err, memory.ErrClosed) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("archiver: %w", err)
		}
		metrics.SetFrontierSize(e.frontier.Len())
		e.process(ctx, d, u)
		e.finish()
	}
}

func (e *Engine) process(ctx context.Context, d Dispatcher, u crawler.URLInfo) {
	log := e.logger.With(zap.String("url", u.URL), zap.Int("hops", u.Hops))
	resp, err := e.retrieve(ctx, u)
	if err != nil {
		log.Warn("retrieve failed", zap.Error(err))
		return
	}
	if d == nil {
		return
	}
	if err := d.Process(ctx, resp); err != nil {
		log.Error("script processing failed", zap.Error(err))
	}
}

// finish retires one outstanding URL and closes the frontier when none remain.
func (e *Engine) finish() {
	if e.outstanding.Add(-1) == 0 {
		e.frontier.Close()
	}
}

// Discover queues u unless an equivalent URL was seen before, it is not an
// http(s) URL, or its host is blocked.
func (e *Engine) Discover(ctx context.Context, u crawler.URLInfo) error {
	if !crawler.IsHTTP(u.URL) {
		e.logger.Debug("skipping non-http url", zap.String("url", u.URL))
		return nil
	}
	if e.blocked.Blocks(u) {
		e.logger.Debug("skipping blocked host", zap.String("url", u.URL))
		return nil
	}
	key, err := crawler.NormalizeURL(u.URL)
	if err != nil {
		return fmt.Errorf("normalize %q: %w", u.URL, err)
	}

	e.seenMu.Lock()
	if _, dup := e.seen[key]; dup {
		e.seenMu.Unlock()
		return nil
	}
	e.seen[key] = struct{}{}
	e.seenMu.Unlock()

	e.outstanding.Add(1)
	if err := e.frontier.Enqueue(ctx, u); err != nil {
		e.finish()
		return fmt.Errorf("enqueue %s: %w", u.URL, err)
	}
	metrics.SetFrontierSize(e.frontier.Len())
	return nil
}

// Fetch retrieves and archives u for a worker. The result is not dispatched.
func (e *Engine) Fetch(ctx context.Context, u crawler.URLInfo) (crawler.Response, error) {
	return e.retrieve(ctx, u)
}

func (e *Engine) retrieve(ctx context.Context, u crawler.URLInfo) (crawler.Response, error) {
	id, err := e.deps.IDs.NewID()
	if err != nil {
		return crawler.Response{}, fmt.Errorf("generate id: %w", err)
	}
	site := metrics.SanitizeSite(u.URL)

	var (
		fr        crawler.FetchResponse
		fetchedAt time.Time
	)
	for attempt := 0; ; attempt++ {
		if e.deps.Limiter != nil {
			if err := e.deps.Limiter.Wait(ctx, u.URL); err != nil {
				return crawler.Response{}, fmt.Errorf("rate limit: %w", err)
			}
		}
		fetchedAt = e.deps.Clock.Now()
		fr, err = e.deps.Fetcher.Fetch(ctx, crawler.FetchRequest{URL: u, Headers: e.cfg.Headers})
		if err == nil {
			break
		}
		metrics.ObserveFetchFailure(site)
		if e.deps.Retry == nil || !e.deps.Retry.ShouldRetry(err, attempt) {
			return crawler.Response{}, fmt.Errorf("fetch: %w", err)
		}
		delay := e.deps.Retry.Backoff(attempt)
		e.logger.Debug("retrying fetch",
			zap.String("url", u.URL),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if err := sleep(ctx, delay); err != nil {
			return crawler.Response{}, fmt.Errorf("fetch: %w", err)
		}
	}
	metrics.ObservePage(site, fr.StatusCode, len(fr.Body))
	e.logger.Debug("fetched",
		zap.String("url", u.URL),
		zap.Int("status", fr.StatusCode),
		zap.Int("bytes", len(fr.Body)),
		zap.Duration("duration", fr.Duration),
	)

	resp := crawler.Response{
		Meta: crawler.ResponseMeta{
			URL:       u,
			Status:    fr.StatusCode,
			Proto:     fr.Proto,
			Headers:   fr.Headers,
			FetchedAt: fetchedAt,
			ID:        id,
		},
		Body: fr.Body,
	}
	if err := e.archive(ctx, resp); err != nil {
		return crawler.Response{}, err
	}
	return resp, nil
}

func (e *Engine) archive(ctx context.Context, resp crawler.Response) error {
	hash, err := e.deps.Hasher.Hash(resp.Body)
	if err != nil {
		return fmt.Errorf("hash body: %w", err)
	}

	contentType := resp.Meta.ContentType()
	if contentType == "" {
		contentType = defaultContentType
	}
	uri, err := e.deps.Blobs.PutObject(ctx, e.blobPath(resp.Meta.URL, hash), contentType, bytes.NewReader(resp.Body))
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}

	if e.deps.Retrievals != nil {
		record := crawler.RetrievalRecord{
			ID:           resp.Meta.ID,
			URL:          resp.Meta.URL.URL,
			DiscoveredIn: resp.Meta.URL.DiscoveredIn,
			Hops:         resp.Meta.URL.Hops,
			Hash:         hash,
			BlobURI:      uri,
			Headers:      resp.Meta.Headers,
			StatusCode:   resp.Meta.Status,
			ContentType:  resp.Meta.ContentType(),
			RetrievedAt:  resp.Meta.FetchedAt,
			PartitionTS:  resp.Meta.FetchedAt.Truncate(time.Hour),
		}
		if err := e.deps.Retrievals.StoreRetrieval(ctx, record); err != nil {
			return fmt.Errorf("store retrieval: %w", err)
		}
	}

	if e.deps.Publisher != nil && e.cfg.Topic != "" {
		event := crawler.ArchivedEvent{
			ID:          resp.Meta.ID,
			URL:         resp.Meta.URL.URL,
			Hops:        resp.Meta.URL.Hops,
			StatusCode:  resp.Meta.Status,
			ContentType: resp.Meta.ContentType(),
			Hash:        hash,
			BlobURI:     uri,
			RetrievedAt: resp.Meta.FetchedAt,
		}
		if _, err := e.deps.Publisher.Publish(ctx, e.cfg.Topic, event); err != nil {
			return fmt.Errorf("publish archived event: %w", err)
		}
	}

	e.archived.Add(1)
	e.logger.Info("page archived",
		zap.String("url", resp.Meta.URL.URL),
		zap.String("blob_uri", uri),
		zap.String("hash", hash),
	)
	return nil
}

func (e *Engine) blobPath(u crawler.URLInfo, hash string) string {
	host := u.Host()
	if host == "" {
		host = "unknown"
	}
	prefix := strings.Trim(e.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s", host, hash)
	}
	return fmt.Sprintf("%s/%s/%s", prefix, host, hash)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
