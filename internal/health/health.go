package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

type Status struct {
	OK       bool   `json:"ok"`
	Message  string `json:"message,omitempty"`
	Database bool   `json:"database,omitempty"`
	Stream   *bool  `json:"stream,omitempty"`
}

// Pinger is satisfied by *pgxpool.Pool and *stream.Publisher
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// HTTPHandler reports the health of the service. db must answer for the
// service to be healthy; stream, when set, is reported but does not fail the
// check because publishing is best effort.
func HTTPHandler(db Pinger, stream Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok", Database: true}

		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				st.OK = false
				st.Message = "db ping failed"
				st.Database = false
			}
		}
		if stream != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
			defer cancel()
			ok := stream.Ping(ctx) == nil
			st.Stream = &ok
		}

		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
