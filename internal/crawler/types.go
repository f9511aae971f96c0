// Package crawler defines core types shared across the host and its workers.
package crawler

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrInvalidURL is returned when a URL cannot be parsed or resolved.
var ErrInvalidURL = errors.New("crawler: invalid url")

// URLInfo tracks a URL together with where it was found and how many host
// changes separate it from the start point.
type URLInfo struct {
	URL          string `json:"url"`
	DiscoveredIn string `json:"discovered_in"`
	Hops         int    `json:"hops"`
}

// StartURL builds the URLInfo of a crawl entry point.
func StartURL(raw string) (URLInfo, error) {
	u, err := parseAbsolute(raw)
	if err != nil {
		return URLInfo{}, err
	}
	s := u.String()
	return URLInfo{URL: s, DiscoveredIn: s}, nil
}

// Hop resolves ref against the current URL. Hops increase only when the
// resolved URL lives on a different host.
func (u URLInfo) Hop(ref string) (URLInfo, error) {
	base, err := url.Parse(u.URL)
	if err != nil {
		return URLInfo{}, fmt.Errorf("%w: base %q: %v", ErrInvalidURL, u.URL, err)
	}
	rel, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return URLInfo{}, fmt.Errorf("%w: %q: %v", ErrInvalidURL, ref, err)
	}
	next := base.ResolveReference(rel)
	if next.Scheme == "" || (next.Host == "" && next.Opaque == "") {
		return URLInfo{}, fmt.Errorf("%w: %q is not absolute", ErrInvalidURL, ref)
	}
	hops := u.Hops
	if !strings.EqualFold(next.Host, base.Host) {
		hops++
	}
	return URLInfo{URL: next.String(), DiscoveredIn: u.URL, Hops: hops}, nil
}

// Host returns the lowercase host of the URL, or "" when it does not parse.
func (u URLInfo) Host() string {
	parsed, err := url.Parse(u.URL)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Hostname())
}

func (u URLInfo) String() string {
	return fmt.Sprintf("%s (discovered in %s, hops:%d)", u.URL, u.DiscoveredIn, u.Hops)
}

// ResponseMeta describes a fetched response. It is the JSON header handed to
// workers alongside the body.
type ResponseMeta struct {
	URL       URLInfo     `json:"url"`
	Status    int         `json:"status"`
	Proto     string      `json:"version"`
	Headers   http.Header `json:"headers"`
	FetchedAt time.Time   `json:"fetched_at"`
	ID        string      `json:"id"`
}

// ContentType returns the response's Content-Type header.
func (m ResponseMeta) ContentType() string {
	return m.Headers.Get("Content-Type")
}

// Response is a fetched page.
type Response struct {
	Meta ResponseMeta
	Body []byte
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     URLInfo
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Proto      string
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// RetrievalRecord is the index row written for every archived response.
type RetrievalRecord struct {
	ID           string
	URL          string
	DiscoveredIn string
	Hops         int
	Hash         string
	BlobURI      string
	Headers      http.Header
	StatusCode   int
	ContentType  string
	RetrievedAt  time.Time
	PartitionTS  time.Time
}

// ArchivedEvent is published after a response has been stored.
type ArchivedEvent struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Hops        int       `json:"hops"`
	StatusCode  int       `json:"status_code"`
	ContentType string    `json:"content_type"`
	Hash        string    `json:"hash"`
	BlobURI     string    `json:"blob_uri"`
	RetrievedAt time.Time `json:"retrieved_at"`
}

func parseAbsolute(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidURL, raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q is not absolute", ErrInvalidURL, raw)
	}
	return u, nil
}
