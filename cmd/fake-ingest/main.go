package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/austindbirch/heimdall/internal/config"
	"github.com/austindbirch/heimdall/internal/event"
	"github.com/austindbirch/heimdall/internal/logging"
)

// receiver accepts telemetry batches without storing them. It fails the
// first FailFirstN requests to exercise client retries.
type receiver struct {
	cfg      config.FakeIngest
	log      *logging.Logger
	reqCount atomic.Int64
	accepted atomic.Int64
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New("heimdall-fake-ingest")
	rcv := &receiver{cfg: cfg.FakeIngest, log: logger}

	logger.Plain().WithFields(map[string]any{
		"addr":         cfg.FakeIngest.Port,
		"fail_first_n": cfg.FakeIngest.FailFirstN,
		"delay_ms":     cfg.FakeIngest.ResponseDelayMS,
		"ingest_path":  cfg.Ingest.Path,
	}).Info("fake-ingest listening")
	if err := http.ListenAndServe(cfg.FakeIngest.Port, rcv.routes(cfg.Ingest.Path)); err != nil {
		logger.Plain().WithError(err).Fatal("fake-ingest server failed")
	}
}

func (rc *receiver) routes(path string) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/stats", rc.handleStats)
	mux.HandleFunc(path, rc.handleIngest)
	return mux
}

func (rc *receiver) handleIngest(w http.ResponseWriter, r *http.Request) {
	n := rc.reqCount.Add(1)
	defer r.Body.Close()

	if d := rc.cfg.ResponseDelayMS; d > 0 {
		select {
		case <-time.After(time.Duration(d) * time.Millisecond):
		case <-r.Context().Done():
			return
		}
	}

	var src io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			http.Error(w, "bad gzip body", http.StatusBadRequest)
			return
		}
		defer zr.Close()
		src = zr
	}
	b, _ := io.ReadAll(src)

	// Simulate flakiness: first N requests -> 500
	if n <= int64(rc.cfg.FailFirstN) {
		rc.log.Plain().WithFields(map[string]any{
			"request": n,
			"of":      rc.cfg.FailFirstN,
			"body":    truncate(string(b), 160),
		}).Warn("FAILING telemetry batch")
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	var batch event.Batch
	if err := json.Unmarshal(b, &batch); err != nil {
		http.Error(w, "malformed batch", http.StatusBadRequest)
		return
	}
	if err := event.ValidateBatch(batch); err != nil {
		rc.log.Plain().WithError(err).Warn("invalid telemetry batch")
		http.Error(w, "invalid batch", http.StatusBadRequest)
		return
	}

	total := rc.accepted.Add(int64(len(batch.Events)))
	rc.log.Plain().WithFields(map[string]any{
		"events": len(batch.Events),
		"total":  total,
	}).Info("fake-ingest OK")
	w.WriteHeader(http.StatusAccepted)
}

func (rc *receiver) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int64{
		"requests": rc.reqCount.Load(),
		"events":   rc.accepted.Load(),
	})
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
