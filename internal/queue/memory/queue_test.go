package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/JakeFAU/scrapewire/internal/crawler"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	result := make(chan crawler.URLInfo, 1)
	errCh := make(chan error, 1)

	go func() {
		item, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- item
	}()

	time.Sleep(10 * time.Millisecond) // allow goroutine to start
	if err := q.Enqueue(context.Background(), crawler.URLInfo{URL: "https://example.com/1"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		if got.URL != "https://example.com/1" {
			t.Fatalf("unexpected item %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return item")
	}
}

func TestQueueIsFIFOAndUnbounded(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	for _, u := range []string{"a", "b", "c", "d"} {
		if err := q.Enqueue(context.Background(), crawler.URLInfo{URL: u}); err != nil {
			t.Fatalf("Enqueue(%s) error = %v", u, err)
		}
	}
	if q.Len() != 4 {
		t.Fatalf("expected 4 queued, got %d", q.Len())
	}
	for _, want := range []string{"a", "b", "c", "d"} {
		got, err := q.Dequeue(context.Background())
		if err != nil {
			t.Fatalf("Dequeue() error = %v", err)
		}
		if got.URL != want {
			t.Fatalf("expected %s, got %s", want, got.URL)
		}
	}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Dequeue(ctx); err == nil ||
		err.Error() != "dequeue canceled: context canceled" {
		t.Fatalf("expected dequeue cancel error, got %v", err)
	}
	if err := q.Enqueue(ctx, crawler.URLInfo{}); err == nil ||
		err.Error() != "enqueue canceled: context canceled" {
		t.Fatalf("expected enqueue cancel error, got %v", err)
	}
}

func TestQueueCloseDrainsThenFails(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	if err := q.Enqueue(context.Background(), crawler.URLInfo{URL: "left"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	q.Close()
	q.Close()

	if err := q.Enqueue(context.Background(), crawler.URLInfo{URL: "late"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	got, err := q.Dequeue(context.Background())
	if err != nil || got.URL != "left" {
		t.Fatalf("expected queued item to drain, got %+v %v", got, err)
	}
	if _, err := q.Dequeue(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestQueueCloseWakesBlockedConsumer(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("consumer not woken by Close")
	}
}
