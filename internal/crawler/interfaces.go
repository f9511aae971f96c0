package crawler

import (
	"context"
	"io"
	"time"
)

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// RetrievalStore indexes archived responses.
type RetrievalStore interface {
	StoreRetrieval(ctx context.Context, record RetrievalRecord) error
}

// Publisher pushes archive events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Limiter delays requests to respect per-host rate limits.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// RetryPolicy decides whether and when a failed fetch is repeated. Attempts
// are zero-based.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Queue provides enqueue/dequeue semantics for the crawl frontier.
type Queue interface {
	Enqueue(ctx context.Context, item URLInfo) error
	Dequeue(ctx context.Context) (URLInfo, error)
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces response IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
