package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type timeoutErr struct{ timeout bool }

func (e timeoutErr) Error() string   { return "net" }
func (e timeoutErr) Timeout() bool   { return e.timeout }
func (e timeoutErr) Temporary() bool { return false }

func TestShouldRetry(t *testing.T) {
	t.Parallel()

	p := New(Config{Attempts: 3})
	tests := []struct {
		name    string
		err     error
		attempt int
		want    bool
	}{
		{name: "nil error", err: nil, attempt: 0, want: false},
		{name: "plain error", err: errors.New("boom"), attempt: 0, want: true},
		{name: "last attempt", err: errors.New("boom"), attempt: 2, want: false},
		{name: "canceled", err: fmt.Errorf("fetch: %w", context.Canceled), attempt: 0, want: false},
		{name: "deadline", err: context.DeadlineExceeded, attempt: 0, want: false},
		{name: "net timeout", err: timeoutErr{timeout: true}, attempt: 1, want: true},
		{name: "net refused", err: timeoutErr{timeout: false}, attempt: 0, want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, p.ShouldRetry(tc.err, tc.attempt))
		})
	}
}

func TestSingleAttemptNeverRetries(t *testing.T) {
	t.Parallel()

	p := New(Config{Attempts: 1})
	require.False(t, p.ShouldRetry(errors.New("boom"), 0))
}

func TestBackoffBounds(t *testing.T) {
	t.Parallel()

	p := New(Config{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second})
	for attempt, full := range []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	} {
		for range 20 {
			got := p.Backoff(attempt)
			require.GreaterOrEqual(t, got, full/2, "attempt %d", attempt)
			require.Less(t, got, full, "attempt %d", attempt)
		}
	}
}

func TestNewDefaults(t *testing.T) {
	t.Parallel()

	p := New(Config{})
	require.Equal(t, Config{Attempts: 3, BaseDelay: 250 * time.Millisecond, MaxDelay: 5 * time.Second}, p.cfg)
}
