package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/austindbirch/heimdall/internal/config"
	"github.com/austindbirch/heimdall/internal/db"
	"github.com/austindbirch/heimdall/internal/event"
	"github.com/austindbirch/heimdall/internal/health"
	"github.com/austindbirch/heimdall/internal/heimdall"
	"github.com/austindbirch/heimdall/internal/ingest"
	"github.com/austindbirch/heimdall/internal/logging"
	"github.com/austindbirch/heimdall/internal/metrics"
	"github.com/austindbirch/heimdall/internal/stream"
	"github.com/austindbirch/heimdall/internal/tracing"
)

// eventStore is what the HTTP surface needs from db.EventStore
type eventStore interface {
	ingest.Store
	ingest.TraceReader
}

type deps struct {
	store  eventStore
	db     health.Pinger
	stream *stream.Publisher // nil when publishing is disabled
	reg    *prometheus.Registry
	log    *logging.Logger
}

func newHandler(cfg config.Config, d deps) http.Handler {
	opts := ingest.Options{
		MaxBodyBytes:  cfg.Ingest.MaxBodyBytes,
		InsertTimeout: cfg.Ingest.InsertTimeout,
		Logger:        d.log,
	}
	var streamPinger health.Pinger
	if d.stream != nil {
		opts.Publisher = d.stream
		streamPinger = d.stream
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Ingest.Path, otelhttp.NewHandler(ingest.NewHandler(d.store, opts), "POST "+cfg.Ingest.Path))
	mux.Handle(ingest.TracePattern, otelhttp.NewHandler(ingest.TraceHandler(d.store, d.log), ingest.TracePattern))
	mux.HandleFunc("/healthz", health.HTTPHandler(d.db, streamPinger))
	mux.Handle("/metrics", promhttp.HandlerFor(d.reg, promhttp.HandlerOpts{}))
	return mux
}

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	logger := logging.New("heimdall-ingest").SetLevel(logging.ParseLevel(cfg.LogLevel))

	stopTracing, err := tracing.Init(ctx, cfg.TracingConfig("heimdall-ingest"))
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := stopTracing(flushCtx); err != nil {
			logger.Plain().WithError(err).Warn("tracer shutdown failed")
		}
	}()

	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		logger.Plain().WithError(err).Fatal("db migrate failed")
	}
	store := db.NewEventStore(pool)

	var pub *stream.Publisher
	if cfg.NSQ.Publish {
		prod, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer creation failed")
		}
		defer prod.Stop()
		pub = stream.NewPublisher(prod, cfg.NSQ.TelemetryTopic)
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	httpSrv := &http.Server{
		Addr:              cfg.HTTPPort,
		Handler:           newHandler(cfg, deps{store: store, db: pool, stream: pub, reg: reg, log: logger}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Plain().WithFields(map[string]any{
			"addr":    httpSrv.Addr,
			"path":    cfg.Ingest.Path,
			"publish": pub != nil,
		}).Info("ingest HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("ingest HTTP server failed")
		}
	}()

	// the service reports its own lifecycle through the server runtime
	self, err := heimdall.New(ctx, heimdall.Options{
		Runtime: event.RuntimeServer,
		Client:  config.Client{Production: true, RequestTimeout: cfg.Ingest.InsertTimeout},
		Writer:  store,
		Logger:  logger,
	})
	if err != nil {
		logger.Plain().WithError(err).Fatal("self telemetry setup failed")
	}
	lifecycle := self.StartTrace("ingest.serve")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	sig := <-stop

	logger.Plain().WithField("signal", sig.String()).Info("Shutting down ingest service")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	self.EndTrace(lifecycle, map[string]any{"signal": sig.String()})
	if err := self.Close(shutdownCtx); err != nil {
		logger.Plain().WithError(err).Warn("self telemetry did not drain")
	}
	logger.Plain().Info("ingest service stopped")
}
