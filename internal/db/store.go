package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/austindbirch/heimdall/internal/event"
)

const insertEventSQL = `
INSERT INTO heimdall.telemetry_events
    (event_id, trace_id, event_name, status, event_timestamp, duration_ms, payload, context)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (event_id) DO NOTHING`

const traceEventsSQL = `
SELECT event_id, trace_id, event_name, status, event_timestamp, duration_ms, payload, context
FROM heimdall.telemetry_events
WHERE trace_id = $1
ORDER BY event_timestamp, received_at
LIMIT $2`

// Row is the storage shape of one event: snake_case columns with context and
// payload serialized as JSON.
type Row struct {
	EventID        string
	TraceID        string
	EventName      string
	Status         string
	EventTimestamp time.Time
	DurationMS     *float64
	Payload        []byte // nil when the event has no payload
	Context        []byte
}

// ToRow maps a validated event to its row
func ToRow(ev event.Event) (Row, error) {
	ctx, err := json.Marshal(ev.Context)
	if err != nil {
		return Row{}, fmt.Errorf("encode context of %s: %w", ev.EventID, err)
	}
	var payload []byte
	if len(ev.Payload) > 0 {
		payload, err = json.Marshal(ev.Payload)
		if err != nil {
			return Row{}, fmt.Errorf("encode payload of %s: %w", ev.EventID, err)
		}
	}
	return Row{
		EventID:        ev.EventID,
		TraceID:        ev.TraceID,
		EventName:      ev.EventName,
		Status:         string(ev.Status),
		EventTimestamp: ev.Timestamp.UTC(),
		DurationMS:     ev.Duration,
		Payload:        payload,
		Context:        ctx,
	}, nil
}

// Event maps a row back to the wire shape
func (r Row) Event() (event.Event, error) {
	ev := event.Event{
		EventID:   r.EventID,
		TraceID:   r.TraceID,
		EventName: r.EventName,
		Status:    event.Status(r.Status),
		Timestamp: r.EventTimestamp.UTC(),
		Duration:  r.DurationMS,
	}
	if err := json.Unmarshal(r.Context, &ev.Context); err != nil {
		return event.Event{}, fmt.Errorf("decode context of %s: %w", r.EventID, err)
	}
	if len(r.Payload) > 0 {
		if err := json.Unmarshal(r.Payload, &ev.Payload); err != nil {
			return event.Event{}, fmt.Errorf("decode payload of %s: %w", r.EventID, err)
		}
	}
	return ev, nil
}

func (r Row) args() []any {
	// nil []byte would be sent as an empty bytea, not NULL
	var payload any
	if r.Payload != nil {
		payload = r.Payload
	}
	return []any{r.EventID, r.TraceID, r.EventName, r.Status, r.EventTimestamp, r.DurationMS, payload, r.Context}
}

// Querier is the subset of pgxpool.Pool the store needs
type Querier interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// EventStore persists telemetry events
type EventStore struct {
	db Querier
}

func NewEventStore(db Querier) *EventStore {
	return &EventStore{db: db}
}

// InsertEvents writes events in one transaction and returns how many rows were
// new. Event ids already stored are skipped, so a retried batch is harmless.
func (s *EventStore) InsertEvents(ctx context.Context, events []event.Event) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, ev := range events {
		row, err := ToRow(ev)
		if err != nil {
			return 0, err
		}
		batch.Queue(insertEventSQL, row.args()...)
	}

	var inserted int64
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		br := tx.SendBatch(ctx, batch)
		for range events {
			tag, err := br.Exec()
			if err != nil {
				br.Close()
				return fmt.Errorf("insert event: %w", err)
			}
			inserted += tag.RowsAffected()
		}
		return br.Close()
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// ErrTraceNotFound is returned when no events carry the requested trace id
var ErrTraceNotFound = errors.New("trace not found")

// TraceEvents returns the stored events of one trace in timestamp order
func (s *EventStore) TraceEvents(ctx context.Context, traceID string, limit int) ([]event.Event, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.Query(ctx, traceEventsSQL, traceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query trace: %w", err)
	}
	defer rows.Close()

	var out []event.Event
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.EventID, &r.TraceID, &r.EventName, &r.Status,
			&r.EventTimestamp, &r.DurationMS, &r.Payload, &r.Context); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev, err := r.Event()
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trace: %w", err)
	}
	if len(out) == 0 {
		return nil, ErrTraceNotFound
	}
	return out, nil
}
