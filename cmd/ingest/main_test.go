package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/austindbirch/heimdall/internal/config"
	"github.com/austindbirch/heimdall/internal/db"
	"github.com/austindbirch/heimdall/internal/event"
	"github.com/austindbirch/heimdall/internal/health"
	"github.com/austindbirch/heimdall/internal/logging"
	"github.com/austindbirch/heimdall/internal/metrics"
	"github.com/austindbirch/heimdall/internal/stream"
)

type memStore struct {
	mu     sync.Mutex
	events []event.Event
}

func (m *memStore) InsertEvents(ctx context.Context, events []event.Event) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return int64(len(events)), nil
}

func (m *memStore) TraceEvents(ctx context.Context, traceID string, limit int) ([]event.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []event.Event
	for _, ev := range m.events {
		if ev.TraceID == traceID {
			out = append(out, ev)
		}
	}
	if len(out) == 0 {
		return nil, db.ErrTraceNotFound
	}
	return out, nil
}

type fakeProducer struct {
	mu     sync.Mutex
	bodies [][]byte
}

func (p *fakeProducer) Publish(topic string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bodies = append(p.bodies, body)
	return nil
}

func (p *fakeProducer) Ping() error { return nil }

func TestConfigurationLoading(t *testing.T) {
	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg config.Config)
	}{
		{
			name:    "default configuration",
			envVars: map[string]string{},
			validate: func(t *testing.T, cfg config.Config) {
				if cfg.HTTPPort != ":8080" {
					t.Errorf("Expected HTTP port ':8080', got %q", cfg.HTTPPort)
				}
				if cfg.Ingest.Path != "/api/telemetry/ingest" {
					t.Errorf("Expected ingest path '/api/telemetry/ingest', got %q", cfg.Ingest.Path)
				}
				if cfg.NSQ.Publish {
					t.Error("Expected publishing to be disabled by default")
				}
			},
		},
		{
			name: "custom configuration",
			envVars: map[string]string{
				"HTTP_PORT":               ":9090",
				"INGEST_MAX_BODY_BYTES":   "2048",
				"PUBLISH_TELEMETRY_TOPIC": "true",
				"NSQ_TELEMETRY_TOPIC":     "telemetry_events_v2",
			},
			validate: func(t *testing.T, cfg config.Config) {
				if cfg.HTTPPort != ":9090" {
					t.Errorf("Expected HTTP port ':9090', got %q", cfg.HTTPPort)
				}
				if cfg.Ingest.MaxBodyBytes != 2048 {
					t.Errorf("Expected max body 2048, got %d", cfg.Ingest.MaxBodyBytes)
				}
				if !cfg.NSQ.Publish || cfg.NSQ.TelemetryTopic != "telemetry_events_v2" {
					t.Errorf("Unexpected NSQ config %+v", cfg.NSQ)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}
			tt.validate(t, config.FromEnv())
		})
	}
}

func newTestServer(t *testing.T, pub *stream.Publisher) (*httptest.Server, *memStore) {
	t.Helper()
	cfg := config.FromEnv()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	store := &memStore{}
	h := newHandler(cfg, deps{
		store:  store,
		db:     health.PingFunc(func(context.Context) error { return nil }),
		stream: pub,
		reg:    reg,
		log:    logging.New("ingest-test").SetOutput(&bytes.Buffer{}),
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, store
}

func batchBody(t *testing.T) []byte {
	t.Helper()
	d := 12.0
	body, err := json.Marshal(event.Batch{Events: []event.Event{
		{
			EventID: event.NewID(), TraceID: "trace-42", EventName: "send-campaign",
			Status: event.StatusSuccess, Timestamp: time.Now().UTC(), Duration: &d,
			Context: event.Context{Runtime: event.RuntimeBrowser, Path: "/send"},
		},
	}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return body
}

func TestNewHandler_Routes(t *testing.T) {
	srv, store := newTestServer(t, nil)

	resp, err := http.Post(srv.URL+"/api/telemetry/ingest", "application/json", bytes.NewReader(batchBody(t)))
	if err != nil {
		t.Fatalf("POST ingest: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("ingest status = %d, want 202", resp.StatusCode)
	}
	store.mu.Lock()
	stored := len(store.events)
	store.mu.Unlock()
	if stored != 1 {
		t.Fatalf("stored %d events, want 1", stored)
	}

	resp, err = http.Get(srv.URL + "/api/telemetry/ingest")
	if err != nil {
		t.Fatalf("GET ingest: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET ingest status = %d, want 405", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/api/telemetry/traces/trace-42")
	if err != nil {
		t.Fatalf("GET trace: %v", err)
	}
	var view struct {
		TraceID string       `json:"traceId"`
		Status  event.Status `json:"status"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&view)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || view.TraceID != "trace-42" || view.Status != event.StatusSuccess {
		t.Errorf("trace = %d %+v", resp.StatusCode, view)
	}

	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	var st health.Status
	_ = json.NewDecoder(resp.Body).Decode(&st)
	resp.Body.Close()
	if !st.OK || st.Stream != nil {
		t.Errorf("health = %+v, want ok without stream", st)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	resp.Body.Close()
	if !strings.Contains(buf.String(), "heimdall_ingest_batches_total") {
		t.Error("metrics endpoint is missing heimdall_ingest_batches_total")
	}
}

func TestNewHandler_Publishes(t *testing.T) {
	prod := &fakeProducer{}
	srv, _ := newTestServer(t, stream.NewPublisher(prod, "telemetry_events"))

	resp, err := http.Post(srv.URL+"/api/telemetry/ingest", "application/json", bytes.NewReader(batchBody(t)))
	if err != nil {
		t.Fatalf("POST ingest: %v", err)
	}
	resp.Body.Close()

	prod.mu.Lock()
	published := len(prod.bodies)
	prod.mu.Unlock()
	if published != 1 {
		t.Fatalf("published %d batches, want 1", published)
	}

	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	var st health.Status
	_ = json.NewDecoder(resp.Body).Decode(&st)
	resp.Body.Close()
	if st.Stream == nil || !*st.Stream {
		t.Errorf("health stream = %v, want true", st.Stream)
	}
}
