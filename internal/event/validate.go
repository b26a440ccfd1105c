package event

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidBatch is matched by every ValidationErrors value
var ErrInvalidBatch = errors.New("invalid telemetry batch")

// FieldError describes one schema violation within a batch
type FieldError struct {
	Index  int    `json:"index"`
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (f FieldError) String() string {
	if f.Index < 0 {
		return fmt.Sprintf("%s: %s", f.Field, f.Reason)
	}
	return fmt.Sprintf("events[%d].%s: %s", f.Index, f.Field, f.Reason)
}

// ValidationErrors collects every violation found in a batch
type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, f := range v {
		parts = append(parts, f.String())
	}
	return "invalid telemetry batch: " + strings.Join(parts, "; ")
}

func (v ValidationErrors) Is(target error) bool {
	return target == ErrInvalidBatch
}

// Validate checks a single event against the event schema
func (e Event) Validate() ValidationErrors {
	return e.validate(0)
}

func (e Event) validate(i int) ValidationErrors {
	var errs ValidationErrors
	add := func(field, reason string) {
		errs = append(errs, FieldError{Index: i, Field: field, Reason: reason})
	}

	text := func(field, v string) {
		switch {
		case v == "":
			add(field, "required")
		case strings.ContainsRune(v, 0):
			add(field, "contains NUL character")
		}
	}
	text("eventId", e.EventID)
	text("traceId", e.TraceID)
	text("eventName", e.EventName)
	if e.Status == "" {
		add("status", "required")
	} else if !e.Status.Valid() {
		add("status", fmt.Sprintf("unknown status %q", e.Status))
	}
	if e.Timestamp.IsZero() {
		add("timestamp", "required")
	}
	if e.Duration != nil {
		switch {
		case *e.Duration < 0:
			add("duration", "must not be negative")
		case e.Status.Valid() && !e.Status.Terminal():
			add("duration", "only allowed on terminal events")
		}
	}
	if hasNUL(e.Payload) {
		add("payload", "contains NUL character")
	}
	if e.Context.Runtime == "" {
		add("context.runtime", "required")
	} else if !e.Context.Runtime.Valid() {
		add("context.runtime", fmt.Sprintf("unknown runtime %q", e.Context.Runtime))
	}
	if strings.ContainsRune(e.Context.Path, 0) {
		add("context.path", "contains NUL character")
	}
	return errs
}

// hasNUL reports whether any key or string value in v contains U+0000, which
// Postgres text and jsonb columns refuse
func hasNUL(v any) bool {
	switch v := v.(type) {
	case string:
		return strings.ContainsRune(v, 0)
	case map[string]any:
		for k, item := range v {
			if strings.ContainsRune(k, 0) || hasNUL(item) {
				return true
			}
		}
	case []any:
		for _, item := range v {
			if hasNUL(item) {
				return true
			}
		}
	}
	return false
}

// ValidateBatch validates every event and returns nil when the batch is well formed.
// A nil events slice means the envelope had no events key and is rejected.
func ValidateBatch(b Batch) error {
	if b.Events == nil {
		return ValidationErrors{{Index: -1, Field: "events", Reason: "required"}}
	}
	var errs ValidationErrors
	for i, e := range b.Events {
		errs = append(errs, e.validate(i)...)
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}
