package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tontine/cmd/internal/tontine"
)

type collectSink struct {
	mu     sync.Mutex
	events []tontine.Event
}

func (s *collectSink) Publish(_ context.Context, ev tontine.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *collectSink) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.ID)
	}
	return out
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestWorker_DeliversInOrderAndDrainsOnShutdown(t *testing.T) {
	t.Parallel()

	sink := &collectSink{}
	w := NewWorker(sink, WithLogger(quietLogger()))
	w.Start()

	want := []string{"e1", "e2", "e3", "e4"}
	for _, id := range want {
		w.Notify(context.Background(), tontine.Event{ID: id, Type: tontine.EventMemberJoined, GroupID: "g"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	got := sink.ids()
	if len(got) != len(want) {
		t.Fatalf("delivered=%v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivered=%v want %v", got, want)
		}
	}
}

func TestWorker_DropsWhenFullOrStopped(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var dropped atomic.Int32
	blocking := SinkFunc(func(ctx context.Context, _ tontine.Event) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})

	w := NewWorker(blocking,
		WithBufferSize(1),
		WithLogger(quietLogger()),
		WithOnDrop(func(tontine.Event) { dropped.Add(1) }),
	)
	// Not started: nothing consumes, so the second event overflows.
	w.Notify(context.Background(), tontine.Event{ID: "a"})
	w.Notify(context.Background(), tontine.Event{ID: "b"})
	if got := dropped.Load(); got != 1 {
		t.Fatalf("dropped=%d want 1", got)
	}
	if w.Pending() != 1 {
		t.Fatalf("pending=%d want 1", w.Pending())
	}

	w.Start()
	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	w.Notify(context.Background(), tontine.Event{ID: "late"})
	if got := dropped.Load(); got != 2 {
		t.Fatalf("dropped=%d want 2 after shutdown", got)
	}
}

func TestWorker_ShutdownHonorsDeadline(t *testing.T) {
	t.Parallel()

	stuck := make(chan struct{})
	defer close(stuck)
	w := NewWorker(SinkFunc(func(context.Context, tontine.Event) error {
		<-stuck
		return nil
	}), WithLogger(quietLogger()), WithPublishTimeout(time.Hour))
	w.Start()
	w.Notify(context.Background(), tontine.Event{ID: "x"})

	// Give the loop a chance to pick the event up.
	deadline := time.Now().Add(time.Second)
	for w.Pending() > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := w.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Shutdown err=%v want deadline exceeded", err)
	}
}

func TestFanout_JoinsErrors(t *testing.T) {
	t.Parallel()

	a := &collectSink{}
	boom := errors.New("boom")
	f := Fanout{a, nil, SinkFunc(func(context.Context, tontine.Event) error { return boom })}

	err := f.Publish(context.Background(), tontine.Event{ID: "1"})
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v want boom", err)
	}
	if len(a.ids()) != 1 {
		t.Fatalf("first sink should still receive the event")
	}
}
