package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/austindbirch/heimdall/internal/event"
	"github.com/austindbirch/heimdall/internal/logging"
	"github.com/austindbirch/heimdall/internal/metrics"
)

// Flush paths, used as metric labels
const (
	PathInterval = "interval"
	PathSize     = "size"
	PathUnload   = "unload"
	PathManual   = "manual"
)

// Sender delivers one batch. Send is awaited; Beacon hands the batch off and
// reports only whether the hand-off was accepted.
type Sender interface {
	Send(ctx context.Context, events []event.Event) error
	Beacon(events []event.Event) bool
}

// Entry is one stored event plus the number of failed delivery attempts
type Entry struct {
	Event    event.Event `json:"event"`
	Attempts int         `json:"attempts"`
}

type Config struct {
	MaxBatchSize   int
	BatchInterval  time.Duration
	MaxAttempts    int // 0 = retry forever
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Clock          func() time.Time

	// KeepOnStop leaves undelivered entries in storage when Run stops
	// instead of unloading them.
	KeepOnStop bool
}

func (c *Config) defaults() {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 50
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = 5 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Queue is the durable client-side buffer. Every read-modify-write of the
// stored contents happens under mu and never spans network I/O.
type Queue struct {
	store  Storage
	sender Sender
	cfg    Config
	log    *logging.Logger

	mu sync.Mutex
	// entries that could not be merged into storage because a read failed;
	// heldFront were requeued after a failed send, heldBack were enqueued.
	heldFront []Entry
	heldBack  []Entry

	boMu        sync.Mutex
	bo          *backoff.ExponentialBackOff
	nextAttempt time.Time

	inflight sync.WaitGroup
}

func New(store Storage, sender Sender, cfg Config, log *logging.Logger) *Queue {
	cfg.defaults()
	if log == nil {
		log = logging.Default()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialBackoff
	bo.MaxInterval = cfg.MaxBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2
	bo.Reset()

	return &Queue{
		store:  store,
		sender: sender,
		cfg:    cfg,
		log:    log,
		bo:     bo,
	}
}

// Enqueue appends ev. When the queue reaches MaxBatchSize the whole queue is
// taken in the same critical section and shipped in the background. An event
// that cannot be encoded is dropped on its own so it never poisons the queue.
func (q *Queue) Enqueue(ev event.Event) {
	if _, err := json.Marshal(ev); err != nil {
		metrics.RecordClientDropped("unencodable", 1)
		q.log.Plain().WithError(err).WithField("event_name", ev.EventName).Warn("dropping telemetry event that cannot be encoded")
		return
	}

	q.mu.Lock()
	var batch []Entry
	entries, err := q.load()
	switch {
	case err != nil:
		// storage is left alone so a transient read error cannot overwrite it
		q.heldBack = append(q.heldBack, Entry{Event: ev})
		if len(q.heldBack) >= q.cfg.MaxBatchSize {
			batch, q.heldBack = q.heldBack, nil
		}
	case len(entries)+1 >= q.cfg.MaxBatchSize:
		batch = append(entries, Entry{Event: ev})
		q.save(nil, 0)
	default:
		q.save(append(entries, Entry{Event: ev}), 1)
	}
	q.mu.Unlock()

	if batch == nil {
		return
	}
	q.inflight.Add(1)
	go func() {
		defer q.inflight.Done()
		if err := q.ship(context.Background(), batch, PathSize); err != nil {
			q.log.Plain().WithError(err).WithField("events", len(batch)).Warn("size-triggered flush failed, batch re-queued")
		}
	}()
}

// Flush takes the whole queue and sends it in chunks of at most MaxBatchSize,
// awaiting each response. On failure the unsent chunks go back to the front of
// the queue.
func (q *Queue) Flush(ctx context.Context) error {
	return q.flush(ctx, PathManual)
}

func (q *Queue) flush(ctx context.Context, path string) error {
	entries := q.take()
	if len(entries) == 0 {
		return nil
	}
	return q.ship(ctx, entries, path)
}

// Unload is the page-hidden path: it hands every chunk to the beacon primitive
// and returns without waiting on the network.
func (q *Queue) Unload() {
	entries := q.take()
	for start := 0; start < len(entries); start += q.cfg.MaxBatchSize {
		end := min(start+q.cfg.MaxBatchSize, len(entries))
		if !q.sender.Beacon(events(entries[start:end])) {
			metrics.RecordClientFlush(PathUnload, false)
			q.log.Plain().WithField("events", len(entries)-start).Warn("beacon rejected, batch re-queued")
			q.requeue(entries[start:end], entries[end:])
			q.recordResult(false)
			return
		}
		metrics.RecordClientFlush(PathUnload, true)
	}
}

// VisibilityChanged is the page visibility hook; hiding the page unloads the queue
func (q *Queue) VisibilityChanged(hidden bool) {
	if hidden {
		q.Unload()
	}
}

// Run flushes every BatchInterval until ctx is cancelled, then unloads unless
// KeepOnStop is set. Interval flushes are skipped while the retry backoff is
// running.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if !q.cfg.KeepOnStop {
				q.Unload()
			}
			return
		case <-ticker.C:
			if !q.ready() {
				continue
			}
			if err := q.flush(ctx, PathInterval); err != nil {
				q.log.Plain().WithError(err).Warn("interval flush failed, batch re-queued")
			}
		}
	}
}

// Wait blocks until background size-triggered flushes have finished
func (q *Queue) Wait() {
	q.inflight.Wait()
}

// Entries returns a snapshot of the queue without modifying it
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries, err := q.load()
	if err != nil {
		return append(append([]Entry(nil), q.heldFront...), q.heldBack...)
	}
	return entries
}

// Len returns the number of queued events
func (q *Queue) Len() int {
	return len(q.Entries())
}

// Purge discards everything queued and returns how many events were dropped
func (q *Queue) Purge() int {
	entries := q.take()
	return len(entries)
}

func (q *Queue) ship(ctx context.Context, entries []Entry, path string) error {
	for start := 0; start < len(entries); start += q.cfg.MaxBatchSize {
		end := min(start+q.cfg.MaxBatchSize, len(entries))
		if err := q.sender.Send(ctx, events(entries[start:end])); err != nil {
			metrics.RecordClientFlush(path, false)
			q.requeue(entries[start:end], entries[end:])
			q.recordResult(false)
			return err
		}
		metrics.RecordClientFlush(path, true)
	}
	q.recordResult(true)
	return nil
}

// take removes and returns the entire queue. When storage cannot be read only
// the held entries are taken and storage is left for a later attempt.
func (q *Queue) take() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries, err := q.load()
	if err != nil {
		entries = append(q.heldFront, q.heldBack...)
		q.heldFront, q.heldBack = nil, nil
		return entries
	}
	if len(entries) > 0 {
		q.save(nil, 0)
	}
	return entries
}

// requeue puts failed (whose attempt failed) and rest (never attempted) back in
// front of anything enqueued meanwhile, preserving order. Entries that have
// used up MaxAttempts are dropped.
func (q *Queue) requeue(failed, rest []Entry) {
	back := make([]Entry, 0, len(failed)+len(rest))
	var dropped int
	for _, e := range failed {
		e.Attempts++
		if q.cfg.MaxAttempts > 0 && e.Attempts >= q.cfg.MaxAttempts {
			dropped++
			continue
		}
		back = append(back, e)
	}
	back = append(back, rest...)
	if dropped > 0 {
		metrics.RecordClientDropped("max_attempts", dropped)
		q.log.Plain().
			WithField("events", dropped).
			WithField("max_attempts", q.cfg.MaxAttempts).
			Warn("dropping telemetry events after repeated delivery failures")
	}
	if len(back) == 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	current, err := q.load()
	if err != nil {
		q.heldFront = append(back, q.heldFront...)
		return
	}
	q.save(append(back, current...), len(back))
}

// load reads the stored queue with any held entries folded in around it.
// Corrupted content is purged; a failed read returns the error and leaves both
// storage and the held entries untouched. Caller holds mu.
func (q *Queue) load() ([]Entry, error) {
	data, err := q.store.Load()
	if err != nil {
		q.log.Plain().WithError(err).Warn("failed to read telemetry queue")
		return nil, err
	}
	var stored []Entry
	if len(data) > 0 {
		if err := json.Unmarshal(data, &stored); err != nil {
			q.log.Plain().WithError(err).WithField("bytes", len(data)).Warn("telemetry queue is corrupted, purging")
			metrics.RecordClientDropped("corrupt", 1)
			if err := q.store.Clear(); err != nil {
				q.log.Plain().WithError(err).Warn("failed to purge corrupted telemetry queue")
			}
			stored = nil
		}
	}
	if len(q.heldFront) == 0 && len(q.heldBack) == 0 {
		return stored, nil
	}
	entries := make([]Entry, 0, len(q.heldFront)+len(stored)+len(q.heldBack))
	entries = append(entries, q.heldFront...)
	entries = append(entries, stored...)
	return append(entries, q.heldBack...), nil
}

// save writes entries back, releasing any held entries since load folded them
// in; added is how many of them are new to storage and would be lost if the
// write is refused. Caller holds mu.
func (q *Queue) save(entries []Entry, added int) {
	added += len(q.heldFront) + len(q.heldBack)
	q.heldFront, q.heldBack = nil, nil
	defer func() { metrics.SetClientQueueDepth(len(entries)) }()

	if len(entries) == 0 {
		if err := q.store.Clear(); err != nil {
			q.log.Plain().WithError(err).Warn("failed to clear telemetry queue")
		}
		return
	}
	data, err := json.Marshal(entries)
	if err != nil {
		q.log.Plain().WithError(err).Warn("failed to encode telemetry queue")
		return
	}
	if err := q.store.Save(data); err != nil {
		if errors.Is(err, ErrQuotaExceeded) {
			metrics.RecordClientDropped("quota", added)
		}
		q.log.Plain().WithError(err).WithField("dropped", added).Warn("failed to write telemetry queue")
	}
}

func (q *Queue) ready() bool {
	q.boMu.Lock()
	defer q.boMu.Unlock()
	return !q.cfg.Clock().Before(q.nextAttempt)
}

func (q *Queue) recordResult(ok bool) {
	q.boMu.Lock()
	defer q.boMu.Unlock()
	if ok {
		q.bo.Reset()
		q.nextAttempt = time.Time{}
		return
	}
	q.nextAttempt = q.cfg.Clock().Add(q.bo.NextBackOff())
}

// NextAttempt returns when the next interval flush may run; zero means now
func (q *Queue) NextAttempt() time.Time {
	q.boMu.Lock()
	defer q.boMu.Unlock()
	return q.nextAttempt
}

func events(entries []Entry) []event.Event {
	out := make([]event.Event, len(entries))
	for i, e := range entries {
		out[i] = e.Event
	}
	return out
}
