// Package scraper runs the worker side of the scrape protocol: it receives
// jobs from the host, hands each to a scrape callback, and signals completion.
package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/scrapewire/internal/protocol"
)

// ErrNoActiveJob is returned by a Capability used after its job finished.
var ErrNoActiveJob = errors.New("scraper: capability used outside of a job")

// Job is the input handed to a scrape callback.
type Job struct {
	Header protocol.Header
	Body   *bytes.Reader
}

// Capability is what a scrape callback may do besides reading its job.
type Capability interface {
	// Submit reports a discovered URL. It never waits for a reply.
	Submit(url string) error
	// Fetch asks the host to retrieve url and blocks until it answers.
	// A host-reported failure is a *protocol.RPCError.
	Fetch(url string) (protocol.Payload, error)
}

// ScrapeFunc processes one job. Returning an error aborts the worker.
type ScrapeFunc func(ctx context.Context, rpc Capability, job Job) error

// session binds a Capability to the driver's streams for one job.
type session struct {
	mu     sync.Mutex
	d      *Driver
	active bool
}

func (s *session) Submit(url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return ErrNoActiveJob
	}
	if err := protocol.WriteSubmit(s.d.out, url); err != nil {
		return fmt.Errorf("submit %q: %w", url, err)
	}
	s.d.submits++
	return nil
}

// Fetch holds the session lock across the request and reply so concurrent
// callers cannot interleave frames or pipeline requests.
func (s *session) Fetch(url string) (protocol.Payload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return protocol.Payload{}, ErrNoActiveJob
	}
	if err := protocol.WriteFetchRequest(s.d.out, url); err != nil {
		return protocol.Payload{}, fmt.Errorf("fetch %q: %w", url, err)
	}
	s.d.fetches++
	payload, err := protocol.ReadFetchResponse(s.d.in)
	if err != nil {
		if _, ok := protocol.AsRPCError(err); ok {
			return protocol.Payload{}, err
		}
		return protocol.Payload{}, fmt.Errorf("fetch %q: %w", url, err)
	}
	return payload, nil
}

func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
}

// IsRPCError reports whether err is a host-reported fetch failure, which a
// callback may treat as non-fatal.
func IsRPCError(err error) (*protocol.RPCError, bool) {
	return protocol.AsRPCError(err)
}
