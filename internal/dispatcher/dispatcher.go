// Package dispatcher routes fetched responses to pools of scraper workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/scrapewire/internal/config"
	"github.com/JakeFAU/scrapewire/internal/crawler"
	"github.com/JakeFAU/scrapewire/internal/worker"
)

// Handler is one worker in a script's pool.
type Handler interface {
	ID() string
	Handle(ctx context.Context, resp crawler.Response) error
	Broken() bool
	Close() error
}

// Factory starts the worker with the given ID.
type Factory func(id string) (Handler, error)

// Script is a named pool of identical workers behind a filter.
type Script struct {
	name    string
	filter  Filter
	size    int
	started int
	idle    chan Handler
	factory Factory
	logger  *zap.Logger
}

// NewScript starts size workers using factory. Workers already started are
// closed if a later one fails.
func NewScript(name string, filter Filter, size int, factory Factory, logger *zap.Logger) (*Script, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if size < 1 {
		size = 1
	}
	s := &Script{
		name:    name,
		filter:  filter,
		size:    size,
		idle:    make(chan Handler, size),
		factory: factory,
		logger:  logger.With(zap.String("script", name)),
	}
	for i := range size {
		h, err := factory(WorkerID(name, i))
		if err != nil {
			_ = s.Close(context.Background())
			return nil, fmt.Errorf("start %s: %w", WorkerID(name, i), err)
		}
		s.idle <- h
		s.started++
	}
	return s, nil
}

// WorkerID names the i-th worker of a script.
func WorkerID(name string, i int) string {
	return fmt.Sprintf("%s[%03d]", name, i)
}

// Name returns the script's configured name.
func (s *Script) Name() string {
	return s.name
}

// Matches reports whether the script wants resp.
func (s *Script) Matches(meta crawler.ResponseMeta) bool {
	return s.filter.Matches(meta)
}

// Handle runs resp on the next idle worker. A worker broken by a previous job
// is replaced before use.
func (s *Script) Handle(ctx context.Context, resp crawler.Response) error {
	var h Handler
	select {
	case h = <-s.idle:
	case <-ctx.Done():
		return fmt.Errorf("wait for %s worker: %w", s.name, ctx.Err())
	}

	if h.Broken() {
		replacement, err := s.respawn(h)
		if err != nil {
			s.idle <- h
			return err
		}
		h = replacement
	}
	defer func() { s.idle <- h }()

	if err := h.Handle(ctx, resp); err != nil {
		s.logger.Error("worker failed", zap.String("worker", h.ID()),
			zap.String("url", resp.Meta.URL.URL), zap.Error(err))
		return err
	}
	return nil
}

func (s *Script) respawn(old Handler) (Handler, error) {
	if err := old.Close(); err != nil {
		s.logger.Debug("closing broken worker", zap.String("worker", old.ID()), zap.Error(err))
	}
	h, err := s.factory(old.ID())
	if err != nil {
		return nil, fmt.Errorf("restart %s: %w", old.ID(), err)
	}
	s.logger.Warn("restarted broken worker", zap.String("worker", old.ID()))
	return h, nil
}

// Close waits for busy workers to come back, then closes every worker. Workers
// still busy when ctx ends are left running.
func (s *Script) Close(ctx context.Context) error {
	var errs []error
	for range s.started {
		var h Handler
		select {
		case h = <-s.idle:
		case <-ctx.Done():
			return errors.Join(append(errs, fmt.Errorf("close %s: %w", s.name, ctx.Err()))...)
		}
		if err := h.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", h.ID(), err))
		}
	}
	s.started = 0
	return errors.Join(errs...)
}

// Dispatcher fans responses out to every matching script.
type Dispatcher struct {
	scripts []*Script
	logger  *zap.Logger
}

// New creates a Dispatcher over already started scripts.
func New(scripts []*Script, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{scripts: scripts, logger: logger}
}

// FromConfig spawns every configured script's worker processes. host receives
// the submit and fetch requests of all of them.
func FromConfig(cfg config.Config, host worker.Host, logger *zap.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	names := make([]string, 0, len(cfg.Scripts))
	for name := range cfg.Scripts {
		names = append(names, name)
	}
	sort.Strings(names)

	d := New(nil, logger)
	for _, name := range names {
		sc := cfg.Scripts[name]
		filter, err := NewFilter(sc.Filter.URLPattern, sc.Filter.MimeTypes)
		if err != nil {
			_ = d.Close(context.Background())
			return nil, fmt.Errorf("script %s: %w", name, err)
		}
		factory := func(id string) (Handler, error) {
			return worker.Spawn(worker.Config{
				Script:  name,
				ID:      id,
				MaxHops: cfg.General.MaxHops,
			}, sc.Command, sc.Args, host, logger)
		}
		script, err := NewScript(name, filter, sc.Workers, factory, logger)
		if err != nil {
			_ = d.Close(context.Background())
			return nil, fmt.Errorf("script %s: %w", name, err)
		}
		d.scripts = append(d.scripts, script)
		logger.Info("script started", zap.String("script", name), zap.Int("workers", script.size))
	}
	return d, nil
}

// Scripts returns the managed scripts.
func (d *Dispatcher) Scripts() []*Script {
	return d.scripts
}

// Process hands resp to every script whose filter matches and waits for all
// of them. It returns the first worker error.
func (d *Dispatcher) Process(ctx context.Context, resp crawler.Response) error {
	var g errgroup.Group
	matched := 0
	for _, s := range d.scripts {
		if !s.Matches(resp.Meta) {
			continue
		}
		matched++
		g.Go(func() error {
			return s.Handle(ctx, resp)
		})
	}
	if matched == 0 {
		d.logger.Debug("no script matched", zap.String("url", resp.Meta.URL.URL))
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("process %s: %w", resp.Meta.URL.URL, err)
	}
	return nil
}

// Close terminates every script's workers concurrently.
func (d *Dispatcher) Close(ctx context.Context) error {
	var g errgroup.Group
	errs := make([]error, len(d.scripts))
	for i, s := range d.scripts {
		g.Go(func() error {
			errs[i] = s.Close(ctx)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
