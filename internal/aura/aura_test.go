package aura

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/austindbirch/heimdall/internal/event"
	"github.com/austindbirch/heimdall/internal/logging"
	"github.com/austindbirch/heimdall/internal/metrics"
	"github.com/austindbirch/heimdall/internal/stream"
)

type recordingDelegate struct {
	finished int
	requeued int
}

func (d *recordingDelegate) OnFinish(*nsq.Message)                       { d.finished++ }
func (d *recordingDelegate) OnRequeue(*nsq.Message, time.Duration, bool) { d.requeued++ }
func (d *recordingDelegate) OnTouch(*nsq.Message)                        {}

func newMessage(body []byte) (*nsq.Message, *recordingDelegate) {
	var id nsq.MessageID
	copy(id[:], "0123456789abcdef")
	m := nsq.NewMessage(id, body)
	d := &recordingDelegate{}
	m.Delegate = d
	m.Attempts = 1
	return m, d
}

func ms(v float64) *float64 { return &v }

func traceEvents(name string, status event.Status, duration float64) []event.Event {
	ts := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	return []event.Event{
		{EventID: event.NewID(), TraceID: "t-" + name, EventName: name, Status: event.StatusInProgress,
			Timestamp: ts, Context: event.Context{Runtime: event.RuntimeBrowser}},
		{EventID: event.NewID(), TraceID: "t-" + name, EventName: name, Status: status,
			Timestamp: ts.Add(time.Second), Duration: ms(duration), Context: event.Context{Runtime: event.RuntimeBrowser}},
	}
}

func encode(t *testing.T, events []event.Event) []byte {
	t.Helper()
	body, err := stream.Encode(stream.Batch{ReceivedAt: time.Now().UTC(), Events: events})
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	return body
}

func TestRollup_Add(t *testing.T) {
	r := NewRollup(0)
	for _, ev := range traceEvents("load-data", event.StatusSuccess, 120) {
		r.Add(ev)
	}
	for _, ev := range traceEvents("load-data", event.StatusFailure, 80) {
		r.Add(ev)
	}

	snap := r.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("Snapshot() = %d stats, want 1", len(snap))
	}
	st := snap[0]
	if st.InProgress != 2 || st.Success != 1 || st.Failure != 1 {
		t.Errorf("counts = %+v", st)
	}
	if st.TotalDurationMS != 200 || st.MaxDurationMS != 120 || st.MeanDurationMS() != 100 {
		t.Errorf("durations = total %v max %v mean %v", st.TotalDurationMS, st.MaxDurationMS, st.MeanDurationMS())
	}
	if !st.LastSeen.Equal(time.Date(2026, 4, 1, 9, 0, 1, 0, time.UTC)) {
		t.Errorf("LastSeen = %v", st.LastSeen)
	}
}

func TestRollup_Overflow(t *testing.T) {
	r := NewRollup(2)
	for _, name := range []string{"a", "b", "c", "d", "a"} {
		r.Add(event.Event{EventName: name, Status: event.StatusInProgress, Context: event.Context{Runtime: event.RuntimeServer}})
	}

	got := map[string]int64{}
	for _, st := range r.Snapshot() {
		got[st.EventName] = st.InProgress
	}
	want := map[string]int64{"a": 2, "b": 1, OverflowName: 2}
	if len(got) != len(want) {
		t.Fatalf("stats = %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %d, want %d", k, got[k], v)
		}
	}
}

func TestRollup_ServeHTTP(t *testing.T) {
	r := NewRollup(0)
	for _, ev := range traceEvents("save", event.StatusSuccess, 10) {
		r.Add(ev)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/rollup", nil))

	var body struct {
		Events []Stat `json:"events"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Events) != 1 || body.Events[0].EventName != "save" || body.Events[0].Success != 1 {
		t.Errorf("body = %+v", body)
	}
}

func TestHandleMessage(t *testing.T) {
	r := NewRollup(0)
	var logs bytes.Buffer
	h := NewHandler(r, logging.New("aura-test").SetOutput(&logs))

	before := testutil.ToFloat64(metrics.AuraBatchesTotal.WithLabelValues("ok"))
	beforeEvents := testutil.ToFloat64(metrics.AuraEventsTotal.WithLabelValues("SUCCESS", "browser"))

	m, d := newMessage(encode(t, traceEvents("export", event.StatusSuccess, 55)))
	if err := h.HandleMessage(m); err != nil {
		t.Fatalf("HandleMessage() error: %v", err)
	}
	if d.finished != 1 || d.requeued != 0 {
		t.Errorf("finished=%d requeued=%d", d.finished, d.requeued)
	}
	if got := testutil.ToFloat64(metrics.AuraBatchesTotal.WithLabelValues("ok")); got != before+1 {
		t.Errorf("ok batches = %v, want %v", got, before+1)
	}
	if got := testutil.ToFloat64(metrics.AuraEventsTotal.WithLabelValues("SUCCESS", "browser")); got != beforeEvents+1 {
		t.Errorf("success events = %v, want %v", got, beforeEvents+1)
	}
	if snap := r.Snapshot(); len(snap) != 1 || snap[0].Success != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestHandleMessage_Malformed(t *testing.T) {
	var logs bytes.Buffer
	h := NewHandler(NewRollup(0), logging.New("aura-test").SetOutput(&logs))
	before := testutil.ToFloat64(metrics.AuraBatchesTotal.WithLabelValues("malformed"))

	m, d := newMessage([]byte("not cbor"))
	if err := h.HandleMessage(m); err != nil {
		t.Fatalf("HandleMessage() error: %v", err)
	}
	if d.finished != 1 || d.requeued != 0 {
		t.Errorf("malformed message: finished=%d requeued=%d", d.finished, d.requeued)
	}
	if got := testutil.ToFloat64(metrics.AuraBatchesTotal.WithLabelValues("malformed")); got != before+1 {
		t.Errorf("malformed batches = %v, want %v", got, before+1)
	}
	if !strings.Contains(logs.String(), "bad telemetry stream message") {
		t.Errorf("log = %s", logs.String())
	}
}

func TestProcess_SkipsInvalid(t *testing.T) {
	events := traceEvents("import", event.StatusFailure, 5)
	events[0].EventID = ""
	r := NewRollup(0)
	var logs bytes.Buffer
	h := NewHandler(r, logging.New("aura-test").SetOutput(&logs))

	n, err := h.Process(context.Background(), encode(t, events))
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if n != 1 {
		t.Errorf("rolled up %d events, want 1", n)
	}
	if snap := r.Snapshot(); snap[0].InProgress != 0 || snap[0].Failure != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
	if !strings.Contains(logs.String(), "skipping invalid streamed event") {
		t.Errorf("log = %s", logs.String())
	}
}
