package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/heimdall/internal/event"
	"github.com/austindbirch/heimdall/internal/logging"
	"github.com/austindbirch/heimdall/internal/metrics"
	"github.com/austindbirch/heimdall/internal/tracing"
)

// Path is where the ingestion endpoint is mounted
const Path = "/api/telemetry/ingest"

// Store persists accepted batches
type Store interface {
	InsertEvents(ctx context.Context, events []event.Event) (int64, error)
}

// Publisher fans accepted batches out after they are persisted
type Publisher interface {
	PublishBatch(ctx context.Context, events []event.Event) error
}

type Options struct {
	MaxBodyBytes  int64         // compressed and decompressed limit, default 1 MiB
	InsertTimeout time.Duration // default 10s
	Publisher     Publisher     // optional
	Logger        *logging.Logger
}

// Handler accepts telemetry batches over HTTP
type Handler struct {
	store Store
	opts  Options
	log   *logging.Logger
}

func NewHandler(store Store, opts Options) *Handler {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.InsertTimeout <= 0 {
		opts.InsertTimeout = 10 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = logging.Default()
	}
	return &Handler{store: store, opts: opts, log: log}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		metrics.RecordIngest("method_not_allowed")
		return
	}

	ctx, span := tracing.StartSpan(r.Context(), "ingest.batch",
		attribute.String("content_encoding", r.Header.Get("Content-Encoding")),
	)
	defer span.End()

	body, status, err := h.readBody(w, r)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		h.log.WithContext(ctx).WithError(err).Warn("rejected telemetry request body")
		http.Error(w, http.StatusText(status), status)
		if status == http.StatusRequestEntityTooLarge {
			metrics.RecordIngest("too_large")
		} else {
			metrics.RecordIngest("rejected")
		}
		return
	}

	var batch event.Batch
	if err := json.Unmarshal(body, &batch); err != nil {
		tracing.SetSpanError(ctx, err)
		h.log.WithContext(ctx).WithError(err).Warn("malformed telemetry batch")
		http.Error(w, "malformed batch", http.StatusBadRequest)
		metrics.RecordIngest("malformed")
		return
	}
	if err := event.ValidateBatch(batch); err != nil {
		// details stay in the server log
		tracing.SetSpanError(ctx, err)
		h.log.WithContext(ctx).WithError(err).
			WithField("event_count", len(batch.Events)).
			Warn("invalid telemetry batch")
		http.Error(w, "invalid batch", http.StatusBadRequest)
		metrics.RecordIngest("invalid")
		return
	}

	span.SetAttributes(attribute.Int("event_count", len(batch.Events)))
	if len(batch.Events) == 0 {
		metrics.RecordIngest("empty")
		w.WriteHeader(http.StatusAccepted)
		return
	}

	insertCtx, cancel := context.WithTimeout(ctx, h.opts.InsertTimeout)
	start := time.Now()
	inserted, err := h.store.InsertEvents(insertCtx, batch.Events)
	cancel()
	if err != nil {
		tracing.SetSpanError(ctx, err)
		h.log.WithContext(ctx).WithError(err).
			WithField("event_count", len(batch.Events)).
			Error("failed to persist telemetry batch")
		http.Error(w, "failed to persist batch", http.StatusInternalServerError)
		metrics.RecordIngest("store_error")
		return
	}
	tracing.AddSpanEvent(ctx, "db.inserted_events",
		attribute.Int64("inserted", inserted),
		attribute.Int("duplicates", len(batch.Events)-int(inserted)),
	)
	metrics.RecordPersisted(countByRuntime(batch.Events), len(batch.Events), time.Since(start))
	metrics.RecordIngest("accepted")

	if h.opts.Publisher != nil {
		err := h.opts.Publisher.PublishBatch(ctx, batch.Events)
		metrics.RecordStreamPublish(err == nil)
		if err != nil {
			h.log.WithContext(ctx).WithError(err).Warn("failed to publish telemetry batch")
		}
	}

	w.WriteHeader(http.StatusAccepted)
}

// readBody returns the decoded request body or the status to reject it with
func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, int, error) {
	var src io.Reader = http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes)

	switch enc := strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Encoding"))); enc {
	case "", "identity":
	case "gzip":
		zr, err := gzip.NewReader(src)
		if err != nil {
			return nil, statusFor(err, http.StatusBadRequest), fmt.Errorf("gzip header: %w", err)
		}
		defer zr.Close()
		src = zr
	default:
		return nil, http.StatusUnsupportedMediaType, fmt.Errorf("unsupported content encoding %q", enc)
	}

	// one extra byte tells an exact fit from an overflow after decompression
	body, err := io.ReadAll(io.LimitReader(src, h.opts.MaxBodyBytes+1))
	if err != nil {
		return nil, statusFor(err, http.StatusBadRequest), fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > h.opts.MaxBodyBytes {
		return nil, http.StatusRequestEntityTooLarge, errors.New("decompressed body exceeds limit")
	}
	return body, 0, nil
}

func statusFor(err error, fallback int) int {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return http.StatusRequestEntityTooLarge
	}
	return fallback
}

func countByRuntime(events []event.Event) map[string]int {
	out := make(map[string]int, 3)
	for _, ev := range events {
		out[string(ev.Context.Runtime)]++
	}
	return out
}
