package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/austindbirch/heimdall/internal/db"
	"github.com/austindbirch/heimdall/internal/event"
	"github.com/austindbirch/heimdall/internal/logging"
)

// TracePattern is the mux pattern of the trace read endpoint
const TracePattern = "GET /api/telemetry/traces/{traceId}"

// TraceReader loads the stored events of one trace
type TraceReader interface {
	TraceEvents(ctx context.Context, traceID string, limit int) ([]event.Event, error)
}

// TraceView is the response body of the trace read endpoint
type TraceView struct {
	TraceID    string        `json:"traceId"`
	EventName  string        `json:"eventName"`
	Status     event.Status  `json:"status"`
	DurationMS *float64      `json:"durationMs,omitempty"`
	Events     []event.Event `json:"events"`
}

// Summarize folds the events of one trace into a view. The last terminal event
// decides status and duration; a trace without one is still IN_PROGRESS.
func Summarize(traceID string, events []event.Event) TraceView {
	v := TraceView{TraceID: traceID, Status: event.StatusInProgress, Events: events}
	for _, ev := range events {
		if v.EventName == "" {
			v.EventName = ev.EventName
		}
		if ev.Status.Terminal() {
			v.EventName = ev.EventName
			v.Status = ev.Status
			v.DurationMS = ev.Duration
		}
	}
	return v
}

// TraceHandler serves TracePattern
func TraceHandler(reader TraceReader, log *logging.Logger) http.HandlerFunc {
	if log == nil {
		log = logging.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		traceID := r.PathValue("traceId")
		if traceID == "" {
			http.Error(w, "trace id required", http.StatusBadRequest)
			return
		}
		limit := 0
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}

		events, err := reader.TraceEvents(r.Context(), traceID, limit)
		switch {
		case errors.Is(err, db.ErrTraceNotFound):
			http.Error(w, "trace not found", http.StatusNotFound)
			return
		case err != nil:
			log.WithContext(r.Context()).WithTraceID(traceID).WithError(err).Error("failed to load trace")
			http.Error(w, "failed to load trace", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Summarize(traceID, events))
	}
}
