package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/austindbirch/heimdall/internal/event"
	"github.com/austindbirch/heimdall/internal/logging"
)

// StatusError is returned when the ingestion endpoint answers with a non-2xx status
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("ingest returned %d", e.StatusCode)
	}
	return fmt.Sprintf("ingest returned %d: %s", e.StatusCode, e.Body)
}

type Config struct {
	Endpoint   string
	Timeout    time.Duration
	Compress   bool // gzip request bodies
	MaxBeacons int  // concurrent fire-and-forget requests
	Client     *http.Client
}

// HTTPSender delivers batches to the ingestion endpoint. Send is the awaited
// path used by interval and size flushes; Beacon is the unload path.
type HTTPSender struct {
	endpoint string
	timeout  time.Duration
	compress bool
	client   *http.Client
	log      *logging.Logger

	beacons chan struct{}
}

func NewHTTPSender(cfg Config, log *logging.Logger) *HTTPSender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxBeacons <= 0 {
		cfg.MaxBeacons = 4
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if log == nil {
		log = logging.Default()
	}
	return &HTTPSender{
		endpoint: cfg.Endpoint,
		timeout:  cfg.Timeout,
		compress: cfg.Compress,
		client:   cfg.Client,
		log:      log,
		beacons:  make(chan struct{}, cfg.MaxBeacons),
	}
}

// Send posts events and waits for the response. The request outlives
// cancellation of ctx, like a keep-alive fetch outlives navigation, but is
// bounded by the sender timeout.
func (s *HTTPSender) Send(ctx context.Context, events []event.Event) error {
	body, encoding, err := s.encode(events)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	if err := s.post(ctx, body, encoding); err != nil {
		s.log.WithContext(ctx).WithError(err).WithField("events", len(events)).Warn("telemetry batch delivery failed")
		return err
	}
	return nil
}

func (s *HTTPSender) post(ctx context.Context, body []byte, encoding string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build ingest request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// encode serializes {events} and gzips it when compression is on
func (s *HTTPSender) encode(events []event.Event) ([]byte, string, error) {
	raw, err := json.Marshal(event.Batch{Events: events})
	if err != nil {
		return nil, "", fmt.Errorf("encode batch: %w", err)
	}
	if !s.compress {
		return raw, "", nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, "", fmt.Errorf("gzip batch: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, "", fmt.Errorf("gzip batch: %w", err)
	}
	return buf.Bytes(), "gzip", nil
}
