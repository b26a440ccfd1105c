package event

import (
	"time"

	"github.com/google/uuid"
)

// Status is the tri-state outcome carried by every event
type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusSuccess    Status = "SUCCESS"
	StatusFailure    Status = "FAILURE"
)

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	switch s {
	case StatusInProgress, StatusSuccess, StatusFailure:
		return true
	}
	return false
}

// Terminal reports whether s ends a trace
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

// Context is the environment fingerprint attached at emission time
type Context struct {
	Runtime Runtime `json:"runtime"`
	Path    string  `json:"path,omitempty"`
}

// Event is one immutable telemetry record
type Event struct {
	EventID   string         `json:"eventId"`
	TraceID   string         `json:"traceId"`
	EventName string         `json:"eventName"`
	Status    Status         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Duration  *float64       `json:"duration,omitempty"` // milliseconds, terminal events only
	Payload   map[string]any `json:"payload,omitempty"`
	Context   Context        `json:"context"`
}

// Batch is the wire envelope shared by the transport and the ingestion endpoint
type Batch struct {
	Events []Event `json:"events"`
}

// Options are the optional inputs to Build
type Options struct {
	TraceID  string
	Payload  map[string]any
	Duration *time.Duration
	Context  Context
	Now      time.Time
}

// NewID returns a collision-resistant, time-ordered identifier
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Build constructs an Event. It never fails: a missing trace id is generated and a
// zero Now is replaced by the current time. Timestamps keep microsecond
// precision, which is what the store holds, and a duration is only kept on
// terminal events.
func Build(name string, status Status, opts Options) Event {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	traceID := opts.TraceID
	if traceID == "" {
		traceID = NewID()
	}

	ev := Event{
		EventID:   NewID(),
		TraceID:   traceID,
		EventName: name,
		Status:    status,
		Timestamp: now.UTC().Truncate(time.Microsecond),
		Payload:   opts.Payload,
		Context:   opts.Context,
	}
	if opts.Duration != nil && status.Terminal() {
		ms := Milliseconds(*opts.Duration)
		ev.Duration = &ms
	}
	return ev
}

// Milliseconds converts d to fractional milliseconds, clamping negatives to zero
func Milliseconds(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}

// DurationValue returns the duration in milliseconds and whether it is set
func (e Event) DurationValue() (float64, bool) {
	if e.Duration == nil {
		return 0, false
	}
	return *e.Duration, true
}
