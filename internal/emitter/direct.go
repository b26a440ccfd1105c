package emitter

import (
	"context"
	"sync"
	"time"

	"github.com/austindbirch/heimdall/internal/event"
	"github.com/austindbirch/heimdall/internal/logging"
)

// EventWriter persists events. db.EventStore implements it.
type EventWriter interface {
	InsertEvents(ctx context.Context, events []event.Event) (int64, error)
}

// DirectSink persists events from the server runtime without a local queue.
// Each event is written in its own goroutine so emitting never waits on storage.
type DirectSink struct {
	w       EventWriter
	timeout time.Duration
	log     *logging.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewDirectSink(w EventWriter, timeout time.Duration, log *logging.Logger) *DirectSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = logging.Default()
	}
	return &DirectSink{w: w, timeout: timeout, log: log}
}

// Enqueue starts a background write of ev. Events arriving after Close are
// dropped with a warning.
func (d *DirectSink) Enqueue(ev event.Event) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.log.Plain().WithEvent(ev.EventID).WithTraceID(ev.TraceID).Warn("direct sink closed, event dropped")
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		if _, err := d.w.InsertEvents(ctx, []event.Event{ev}); err != nil {
			d.log.Plain().
				WithEvent(ev.EventID).
				WithTraceID(ev.TraceID).
				WithError(err).
				Warn("failed to persist telemetry event")
		}
	}()
}

// Close stops accepting events and waits for in-flight writes or ctx
func (d *DirectSink) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
