// Package notify delivers committed tontine events to external sinks without blocking the engine.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"tontine/cmd/internal/tontine"
)

// Sink publishes a single event. Implementations may block; the Worker bounds each call with a timeout.
type Sink interface {
	Publish(ctx context.Context, ev tontine.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev tontine.Event) error

func (f SinkFunc) Publish(ctx context.Context, ev tontine.Event) error { return f(ctx, ev) }

// Fanout publishes to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, ev tontine.Event) error {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

const (
	defaultBufferSize     = 256
	defaultPublishTimeout = 5 * time.Second
)

// Option configures a Worker.
type Option func(*Worker)

// WithBufferSize sets the queue capacity. Events beyond it are dropped.
func WithBufferSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.bufferSize = n
		}
	}
}

// WithPublishTimeout bounds a single Sink.Publish call.
func WithPublishTimeout(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.publishTimeout = d
		}
	}
}

// WithLogger sets the logger used for delivery failures.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.log = l
		}
	}
}

// WithOnDrop registers a hook called for every event that could not be queued.
func WithOnDrop(fn func(tontine.Event)) Option {
	return func(w *Worker) { w.onDrop = fn }
}

// Worker queues events in memory and publishes them from a single goroutine.
//
// Delivery is best effort: a full queue drops the event, and a failed publish is logged and not retried.
type Worker struct {
	sink           Sink
	log            *slog.Logger
	onDrop         func(tontine.Event)
	bufferSize     int
	publishTimeout time.Duration

	events  chan tontine.Event
	stopped atomic.Bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

var _ tontine.Notifier = (*Worker)(nil)

// NewWorker builds a Worker around sink. Call Start before the first Notify.
func NewWorker(sink Sink, opts ...Option) *Worker {
	w := &Worker{
		sink:           sink,
		log:            slog.Default(),
		bufferSize:     defaultBufferSize,
		publishTimeout: defaultPublishTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	if w.sink == nil {
		w.sink = Fanout(nil)
	}
	w.events = make(chan tontine.Event, w.bufferSize)
	w.ctx, w.cancel = context.WithCancel(context.Background())
	return w
}

// Start launches the delivery loop.
func (w *Worker) Start() {
	w.wg.Go(func() {
		for {
			select {
			case <-w.ctx.Done():
				w.drain()
				return
			case ev := <-w.events:
				w.publish(w.ctx, ev)
			}
		}
	})
}

// Notify enqueues ev. It never blocks.
func (w *Worker) Notify(_ context.Context, ev tontine.Event) {
	if w.stopped.Load() {
		w.drop(ev, "stopped")
		return
	}
	select {
	case w.events <- ev:
	default:
		w.drop(ev, "queue_full")
	}
}

// Pending reports how many events are queued.
func (w *Worker) Pending() int { return len(w.events) }

// Shutdown stops accepting events, publishes what is queued, and waits for the loop to exit or ctx to end.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.stopped.Store(true)
	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) drain() {
	if n := len(w.events); n > 0 {
		w.log.Info("notify.drain", "remaining_events", n)
	}
	for {
		select {
		case ev := <-w.events:
			w.publish(context.Background(), ev)
		default:
			return
		}
	}
}

func (w *Worker) publish(parent context.Context, ev tontine.Event) {
	ctx, cancel := context.WithTimeout(parent, w.publishTimeout)
	defer cancel()

	if err := w.sink.Publish(ctx, ev); err != nil {
		w.log.Error("notify.publish_failed",
			"err", err,
			"event_id", ev.ID,
			"event_type", string(ev.Type),
			"group_id", ev.GroupID,
		)
	}
}

func (w *Worker) drop(ev tontine.Event, reason string) {
	w.log.Warn("notify.dropped", "reason", reason, "event_type", string(ev.Type), "group_id", ev.GroupID)
	if w.onDrop != nil {
		w.onDrop(ev)
	}
}
