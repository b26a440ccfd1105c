package aura

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/austindbirch/heimdall/internal/event"
	"github.com/austindbirch/heimdall/internal/metrics"
)

// OverflowName replaces event names once the rollup tracks MaxNames of them
const OverflowName = "_other"

// Stat aggregates every observed event sharing one event name
type Stat struct {
	EventName       string    `json:"eventName"`
	InProgress      int64     `json:"inProgress"`
	Success         int64     `json:"success"`
	Failure         int64     `json:"failure"`
	TotalDurationMS float64   `json:"totalDurationMs"`
	MaxDurationMS   float64   `json:"maxDurationMs"`
	LastSeen        time.Time `json:"lastSeen"`
}

// MeanDurationMS averages the duration of terminal events
func (s Stat) MeanDurationMS() float64 {
	n := s.Success + s.Failure
	if n == 0 {
		return 0
	}
	return s.TotalDurationMS / float64(n)
}

// Rollup folds streamed events into per-name aggregates and Prometheus series
type Rollup struct {
	mu       sync.Mutex
	stats    map[string]*Stat
	maxNames int
}

// NewRollup tracks at most maxNames distinct event names; 0 means 1000
func NewRollup(maxNames int) *Rollup {
	if maxNames <= 0 {
		maxNames = 1000
	}
	return &Rollup{stats: make(map[string]*Stat), maxNames: maxNames}
}

// Add records one event
func (r *Rollup) Add(ev event.Event) {
	r.mu.Lock()
	name := ev.EventName
	st, ok := r.stats[name]
	if !ok {
		if len(r.stats) >= r.maxNames {
			name = OverflowName
			st = r.stats[name]
		}
		if st == nil {
			st = &Stat{EventName: name}
			r.stats[name] = st
		}
	}

	switch ev.Status {
	case event.StatusSuccess:
		st.Success++
	case event.StatusFailure:
		st.Failure++
	default:
		st.InProgress++
	}
	d, hasDuration := ev.DurationValue()
	if hasDuration && ev.Status.Terminal() {
		st.TotalDurationMS += d
		st.MaxDurationMS = max(st.MaxDurationMS, d)
	} else {
		hasDuration = false
	}
	if ev.Timestamp.After(st.LastSeen) {
		st.LastSeen = ev.Timestamp
	}
	r.mu.Unlock()

	metrics.RecordAuraEvent(name, string(ev.Status), string(ev.Context.Runtime),
		time.Duration(d*float64(time.Millisecond)), hasDuration)
}

// Snapshot returns a copy of every aggregate ordered by event name
func (r *Rollup) Snapshot() []Stat {
	r.mu.Lock()
	out := make([]Stat, 0, len(r.stats))
	for _, st := range r.stats {
		out = append(out, *st)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].EventName < out[j].EventName })
	return out
}

// ServeHTTP renders the snapshot as JSON
func (r *Rollup) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Events []Stat `json:"events"`
	}{r.Snapshot()})
}
