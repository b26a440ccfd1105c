package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/austindbirch/heimdall/internal/event"
	"github.com/austindbirch/heimdall/internal/ingest"
)

func TestCheckJQAvailable(t *testing.T) {
	_, err := exec.LookPath("jq")
	if got := checkJQAvailable(); got != (err == nil) {
		t.Errorf("checkJQAvailable() = %v, want %v", got, err == nil)
	}
}

func TestFormatWithJQ(t *testing.T) {
	if !checkJQAvailable() {
		t.Skip("jq not available, skipping test")
	}
	tests := []struct {
		name     string
		jsonData []byte
		wantErr  bool
	}{
		{"valid json", []byte(`{"key":"value","number":42}`), false},
		{"invalid json", []byte(`{"key":"value",}`), true},
		{"json array", []byte(`[1,2,3]`), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := formatWithJQ(tt.jsonData)
			if (err != nil) != tt.wantErr {
				t.Errorf("formatWithJQ() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got == "" {
				t.Errorf("formatWithJQ() returned empty string for valid JSON")
			}
		})
	}
}

func TestParsePayload(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantLen int
		wantErr bool
	}{
		{"empty string", "", 0, false},
		{"valid simple json", `{"campaignId":"c_1"}`, 1, false},
		{"valid nested json", `{"a":{"b":[1,2]},"c":true}`, 2, false},
		{"invalid json - trailing comma", `{"a":1,}`, 0, true},
		{"array is not an object", `[1,2]`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parsePayload(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parsePayload() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != tt.wantLen {
				t.Errorf("parsePayload() = %v, want %d keys", got, tt.wantLen)
			}
		})
	}
}

func TestPrintOutput(t *testing.T) {
	tests := []struct {
		name       string
		v          any
		outputJSON bool
		want       string
	}{
		{"human readable", map[string]int{"events": 3}, false, "map[events:3]\n"},
		{"json format", map[string]int{"events": 3}, true, "{\n  \"events\": 3\n}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			origOutputJSON, origPrettyJSON := outputJSON, prettyJSON
			outputJSON, prettyJSON = tt.outputJSON, false
			defer func() { outputJSON, prettyJSON = origOutputJSON, origPrettyJSON }()

			var buf bytes.Buffer
			printOutput(&buf, tt.v)
			if buf.String() != tt.want {
				t.Errorf("printOutput() = %q, want %q", buf.String(), tt.want)
			}
		})
	}
}

// fakeIngest records accepted batches and can be switched into failure mode
type fakeIngest struct {
	mu     sync.Mutex
	events []event.Event
	fail   atomic.Bool
}

func (f *fakeIngest) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == ingestPath:
		if f.fail.Load() {
			http.Error(w, "temporary failure", http.StatusInternalServerError)
			return
		}
		var b event.Batch
		if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
			http.Error(w, "bad batch", http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.events = append(f.events, b.Events...)
		f.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	case strings.HasPrefix(r.URL.Path, "/api/telemetry/traces/"):
		id := strings.TrimPrefix(r.URL.Path, "/api/telemetry/traces/")
		f.mu.Lock()
		var evs []event.Event
		for _, ev := range f.events {
			if ev.TraceID == id {
				evs = append(evs, ev)
			}
		}
		f.mu.Unlock()
		if len(evs) == 0 {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(ingest.Summarize(id, evs))
	case r.URL.Path == "/healthz":
		_, _ = w.Write([]byte(`{"ok":true,"message":"ok","database":true}`))
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeIngest) received() []event.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]event.Event(nil), f.events...)
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestEmitQueueAndTrace(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("HEIMDALL_PRODUCTION", "true")
	srv := &fakeIngest{}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	queueFile := filepath.Join(t.TempDir(), "q", "queue.json")
	common := []string{"--server", ts.URL, "--queue", queueFile, "--timeout", "5s"}
	run := func(args ...string) string {
		t.Helper()
		out, err := runCmd(t, append(args, common...)...)
		if err != nil {
			t.Fatalf("%v: %v", args, err)
		}
		return out
	}

	out := run("emit", "trace", "save-campaign", "--step", "validate", "--payload", `{"campaignId":"c_9"}`)
	if !strings.Contains(out, "Events: 3") {
		t.Errorf("emit trace output = %q", out)
	}
	got := srv.received()
	if len(got) != 3 {
		t.Fatalf("ingest received %d events, want 3", len(got))
	}
	traceID := got[0].TraceID
	last := got[2]
	if last.Status != event.StatusSuccess || last.Duration == nil || last.Context.Runtime != event.RuntimeEdge {
		t.Errorf("terminal event = %+v", last)
	}

	out = run("trace", "get", traceID)
	if !strings.Contains(out, "Status: SUCCESS") || !strings.Contains(out, "validate") {
		t.Errorf("trace get output = %q", out)
	}

	// undeliverable events stay in the queue file
	srv.fail.Store(true)
	run("emit", "event", "page-view", "--status", "IN_PROGRESS")
	out = run("queue", "inspect")
	if !strings.Contains(out, "(1 events)") || !strings.Contains(out, "page-view") {
		t.Errorf("queue inspect output = %q", out)
	}

	if _, err := runCmd(t, append([]string{"queue", "purge"}, common...)...); err == nil {
		t.Error("purge without --force should refuse a non-empty queue")
	}

	srv.fail.Store(false)
	out = run("queue", "flush")
	if !strings.Contains(out, "Flushed 1 event(s)") {
		t.Errorf("queue flush output = %q", out)
	}
	if n := len(srv.received()); n != 4 {
		t.Errorf("ingest received %d events after flush, want 4", n)
	}

	out = run("queue", "purge", "--force")
	if !strings.Contains(out, "Purged 0 event(s)") {
		t.Errorf("queue purge output = %q", out)
	}
}

func TestEmitEvent_InvalidStatus(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	_, err := runCmd(t, "emit", "event", "x", "--status", "DONE", "--queue", filepath.Join(t.TempDir(), "q.json"))
	if err == nil || !strings.Contains(err.Error(), "invalid status") {
		t.Errorf("error = %v", err)
	}
}

func TestEmitEvent_DurationNeedsTerminalStatus(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Cleanup(func() {
		for _, name := range []string{"status", "duration"} {
			f := emitEventCmd.Flags().Lookup(name)
			_ = f.Value.Set(f.DefValue)
			f.Changed = false
		}
	})

	_, err := runCmd(t, "emit", "event", "export", "--status", "IN_PROGRESS", "--duration", "1s",
		"--queue", filepath.Join(t.TempDir(), "q.json"))
	if err == nil || !strings.Contains(err.Error(), "terminal status") {
		t.Errorf("error = %v", err)
	}
}

func TestHealthAndTraceNotFound(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	ts := httptest.NewServer(&fakeIngest{})
	defer ts.Close()

	out, err := runCmd(t, "health", "--server", ts.URL)
	if err != nil || !strings.Contains(out, "Service is healthy") {
		t.Errorf("health = %q, %v", out, err)
	}

	_, err = runCmd(t, "trace", "get", "missing", "--server", ts.URL)
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("trace get missing error = %v", err)
	}
}

func TestVersion(t *testing.T) {
	out, err := runCmd(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "heimdallctl version "+Version) {
		t.Errorf("version output = %q", out)
	}
}
