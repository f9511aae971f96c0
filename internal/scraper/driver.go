package scraper

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapewire/internal/protocol"
)

// State is the driver loop's position in its state machine.
type State int

// Driver states.
const (
	StateAwaitingOpcode State = iota
	StateProcessingJob
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateAwaitingOpcode:
		return "AWAITING_OPCODE"
	case StateProcessingJob:
		return "PROCESSING_JOB"
	case StateTerminated:
		return "TERMINATED"
	default:
		return fmt.Sprintf("STATE(%d)", int(s))
	}
}

// Driver owns a worker's inbound and outbound streams and feeds jobs to a
// scrape callback one at a time.
type Driver struct {
	in     *bufio.Reader
	out    *bufio.Writer
	scrape ScrapeFunc
	logger *zap.Logger

	state   State
	jobs    int
	submits int
	fetches int
}

// NewDriver builds a Driver reading host messages from in and writing worker
// messages to out.
func NewDriver(in io.Reader, out io.Writer, scrape ScrapeFunc, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		in:     bufio.NewReader(in),
		out:    bufio.NewWriter(out),
		scrape: scrape,
		logger: logger,
		state:  StateAwaitingOpcode,
	}
}

// NewStdioDriver builds a Driver on the process's stdin and stdout.
func NewStdioDriver(scrape ScrapeFunc, logger *zap.Logger) *Driver {
	return NewDriver(os.Stdin, os.Stdout, scrape, logger)
}

// State returns the current state.
func (d *Driver) State() State {
	return d.state
}

// JobsProcessed returns how many jobs completed normally.
func (d *Driver) JobsProcessed() int {
	return d.jobs
}

// Run processes jobs until the host sends the terminate opcode or closes the
// inbound stream between jobs, both of which return nil. Any other outcome is
// fatal: a codec or protocol failure, or the callback returning an error. The
// job-complete marker is written only when the callback returns normally.
//
// Reads block without timeout; ctx is consulted between jobs only.
func (d *Driver) Run(ctx context.Context) error {
	if d.scrape == nil {
		return errors.New("scraper: no scrape callback")
	}
	for {
		if err := ctx.Err(); err != nil {
			d.state = StateTerminated
			return fmt.Errorf("scraper: %w", err)
		}
		d.state = StateAwaitingOpcode
		op, err := protocol.ReadHostOpcode(d.in)
		if errors.Is(err, io.EOF) {
			d.logger.Info("inbound stream closed", zap.Int("jobs", d.jobs))
			d.state = StateTerminated
			return nil
		}
		if err != nil {
			d.state = StateTerminated
			return fmt.Errorf("read opcode: %w", err)
		}

		switch op {
		case protocol.OpTerminate:
			d.logger.Info("terminate received", zap.Int("jobs", d.jobs))
			d.state = StateTerminated
			return nil
		case protocol.OpDeliverJob:
			d.state = StateProcessingJob
			if err := d.processJob(ctx); err != nil {
				d.state = StateTerminated
				return err
			}
		default:
			d.state = StateTerminated
			return &protocol.ProtocolError{Opcode: byte(op), Want: "DELIVER_JOB or TERMINATE"}
		}
	}
}

func (d *Driver) processJob(ctx context.Context) error {
	payload, err := protocol.ReadPayload(d.in)
	if err != nil {
		return fmt.Errorf("read job: %w", err)
	}
	job := Job{Header: payload.Header, Body: bytes.NewReader(payload.Body)}
	jobLogger := d.logger.With(zap.Int("job", d.jobs+1), zap.Int("body_bytes", len(payload.Body)))
	jobLogger.Debug("scraping")

	sess := &session{d: d, active: true}
	submits, fetches := d.submits, d.fetches
	err = d.scrape(ctx, sess, job)
	sess.close()
	if err != nil {
		return fmt.Errorf("scrape job %d: %w", d.jobs+1, err)
	}

	if err := protocol.WriteJobComplete(d.out); err != nil {
		return fmt.Errorf("write job complete: %w", err)
	}
	d.jobs++
	jobLogger.Debug("scraped",
		zap.Int("submitted", d.submits-submits),
		zap.Int("fetched", d.fetches-fetches),
	)
	return nil
}
