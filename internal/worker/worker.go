// Package worker drives one scraper worker process from the host side: it
// delivers jobs and services the submit and fetch requests the worker sends
// back while it processes them.
package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapewire/internal/crawler"
	"github.com/JakeFAU/scrapewire/internal/metrics"
	"github.com/JakeFAU/scrapewire/internal/protocol"
	"github.com/JakeFAU/scrapewire/internal/wire"
)

const (
	// InvalidURLMessage is the fetch error sent for a URL that cannot be resolved.
	InvalidURLMessage = "invalid_url"

	defaultCloseTimeout = 100 * time.Millisecond
)

// ErrBroken is returned by Handle once a previous job left the worker's
// streams in an unknown state.
var ErrBroken = errors.New("worker: broken")

// Host is what a worker needs from the crawl engine.
type Host interface {
	// Discover receives a URL a worker submitted that passed the hop limit.
	Discover(ctx context.Context, url crawler.URLInfo) error
	// Fetch retrieves a URL on a worker's behalf.
	Fetch(ctx context.Context, url crawler.URLInfo) (crawler.Response, error)
}

// Config controls Worker behavior.
type Config struct {
	// Script is the configured script name, used for logs and metrics.
	Script string
	// ID distinguishes workers of the same script.
	ID string
	// MaxHops bounds submitted URLs; Fetch requests are not bounded.
	MaxHops int
	// ChunkSize is the body chunk size used when writing payloads.
	ChunkSize int
	// CloseTimeout is how long Close waits for the process before killing it.
	CloseTimeout time.Duration
}

// Worker is a handle on one scraper worker.
type Worker struct {
	cfg    Config
	host   Host
	logger *zap.Logger

	// mu is held for the duration of a job.
	mu     sync.Mutex
	in     *bufio.Writer
	out    *bufio.Reader
	stdin  io.Closer
	cmd    *exec.Cmd
	broken bool
	jobs   atomic.Int64
}

// New wraps an already running worker reachable through out (its stdout) and
// in (its stdin). If in is an io.Closer, Close closes it.
func New(cfg Config, out io.Reader, in io.Writer, host Host, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = wire.DefaultChunkSize
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = defaultCloseTimeout
	}
	w := &Worker{
		cfg:    cfg,
		host:   host,
		logger: logger.With(zap.String("script", cfg.Script), zap.String("worker", cfg.ID)),
		in:     bufio.NewWriter(in),
		out:    bufio.NewReader(out),
	}
	if c, ok := in.(io.Closer); ok {
		w.stdin = c
	}
	return w
}

// Spawn starts command with piped stdin and stdout. The worker's stderr is
// inherited so its logs reach the host's.
func Spawn(cfg Config, command string, args []string, host Host, logger *zap.Logger) (*Worker, error) {
	cmd := exec.Command(command, args...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", command, err)
	}
	w := New(cfg, stdout, stdin, host, logger)
	w.cmd = cmd
	w.logger.Info("worker started", zap.Int("pid", cmd.Process.Pid))
	return w, nil
}

// ID returns the worker's identifier.
func (w *Worker) ID() string {
	return w.cfg.ID
}

// JobsHandled returns how many jobs completed normally.
func (w *Worker) JobsHandled() int64 {
	return w.jobs.Load()
}

// Broken reports whether the worker can no longer take jobs.
func (w *Worker) Broken() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.broken
}

// Handle delivers resp as a job and services the worker until it reports the
// job complete. Any stream or protocol failure breaks the worker.
//
// Reads from the worker are not interrupted by ctx; Close unblocks them by
// terminating the process.
func (w *Worker) Handle(ctx context.Context, resp crawler.Response) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.broken {
		return ErrBroken
	}

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	err := w.handle(ctx, resp)
	metrics.ObserveScriptJob(w.cfg.Script, err == nil)
	if err != nil {
		w.broken = true
		return fmt.Errorf("worker %s: %w", w.cfg.ID, err)
	}
	w.jobs.Add(1)
	return nil
}

func (w *Worker) handle(ctx context.Context, resp crawler.Response) error {
	header, err := json.Marshal(resp.Meta)
	if err != nil {
		return fmt.Errorf("encode job header: %w", err)
	}
	if err := protocol.WriteJob(w.in, header, bytes.NewReader(resp.Body), w.cfg.ChunkSize); err != nil {
		return fmt.Errorf("deliver job: %w", err)
	}
	origin := resp.Meta.URL
	log := w.logger.With(zap.String("url", origin.URL))
	log.Debug("job delivered", zap.Int("body_bytes", len(resp.Body)))

	for {
		msg, err := protocol.ReadWorkerMessage(w.out)
		if err != nil {
			return err
		}
		metrics.ObserveWorkerMessage(w.cfg.Script, msg.Op.String())

		switch msg.Op {
		case protocol.OpSubmit:
			w.submit(ctx, log, origin, msg.URL)
		case protocol.OpFetchRequest:
			if err := w.fetch(ctx, log, origin, msg.URL); err != nil {
				return err
			}
		case protocol.OpJobComplete:
			log.Debug("job complete")
			return nil
		}
	}
}

func (w *Worker) submit(ctx context.Context, log *zap.Logger, origin crawler.URLInfo, raw string) {
	next, err := origin.Hop(raw)
	if err != nil {
		metrics.ObserveDiscovered(w.cfg.Script, "invalid")
		log.Debug("script result skipped: invalid url", zap.String("submitted", raw))
		return
	}
	if next.Hops > w.cfg.MaxHops {
		metrics.ObserveDiscovered(w.cfg.Script, "max_hops")
		log.Debug("script result skipped: exceeded max hops",
			zap.String("submitted", next.URL), zap.Int("hops", next.Hops))
		return
	}
	metrics.ObserveDiscovered(w.cfg.Script, "accepted")
	log.Info("script yielded url", zap.String("submitted", next.URL), zap.Int("hops", next.Hops))
	if err := w.host.Discover(ctx, next); err != nil {
		log.Warn("discover failed", zap.String("submitted", next.URL), zap.Error(err))
	}
}

func (w *Worker) fetch(ctx context.Context, log *zap.Logger, origin crawler.URLInfo, raw string) error {
	next, err := origin.Hop(raw)
	if err != nil {
		metrics.ObserveFetchRPC(w.cfg.Script, false)
		log.Debug("fetch rejected: invalid url", zap.String("requested", raw))
		if err := protocol.WriteFetchError(w.in, InvalidURLMessage); err != nil {
			return fmt.Errorf("answer fetch: %w", err)
		}
		return nil
	}

	log.Info("fetching url for script", zap.String("requested", next.URL))
	resp, err := w.host.Fetch(ctx, next)
	if err != nil {
		metrics.ObserveFetchRPC(w.cfg.Script, false)
		log.Debug("fetch for script failed", zap.String("requested", next.URL), zap.Error(err))
		if err := protocol.WriteFetchError(w.in, err.Error()); err != nil {
			return fmt.Errorf("answer fetch: %w", err)
		}
		return nil
	}

	header, err := json.Marshal(resp.Meta)
	if err != nil {
		return fmt.Errorf("encode fetch header: %w", err)
	}
	metrics.ObserveFetchRPC(w.cfg.Script, true)
	if err := protocol.WriteFetchResult(w.in, header, bytes.NewReader(resp.Body), w.cfg.ChunkSize); err != nil {
		return fmt.Errorf("answer fetch: %w", err)
	}
	return nil
}

// Close asks the worker to terminate and closes its stdin. A spawned process
// that has not exited after CloseTimeout is killed. Close does not wait for
// a job in progress; closing stdin makes that job fail.
func (w *Worker) Close() error {
	var errs []error
	if w.mu.TryLock() {
		if err := protocol.WriteTerminate(w.in); err != nil {
			errs = append(errs, fmt.Errorf("write terminate: %w", err))
		}
		w.broken = true
		w.mu.Unlock()
	}
	if w.stdin != nil {
		if err := w.stdin.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, fmt.Errorf("close stdin: %w", err))
		}
	}
	if w.cmd != nil {
		if err := w.wait(); err != nil {
			errs = append(errs, err)
		}
	}
	w.logger.Info("worker closed", zap.Int64("jobs", w.jobs.Load()))
	return errors.Join(errs...)
}

func (w *Worker) wait() error {
	done := make(chan error, 1)
	go func() { done <- w.cmd.Wait() }()

	timer := time.NewTimer(w.cfg.CloseTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("worker exit: %w", err)
		}
		return nil
	case <-timer.C:
		w.logger.Warn("worker did not exit in time, killing")
		if err := w.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("kill worker: %w", err)
		}
		<-done
		return nil
	}
}
