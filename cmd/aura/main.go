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

	"github.com/austindbirch/heimdall/internal/aura"
	"github.com/austindbirch/heimdall/internal/config"
	"github.com/austindbirch/heimdall/internal/logging"
	"github.com/austindbirch/heimdall/internal/metrics"
	"github.com/austindbirch/heimdall/internal/tracing"
)

// consumerConfig sizes the consumer; messages are never requeued, so the
// redelivery settings keep their nsq defaults
func consumerConfig(cfg config.Config) *nsq.Config {
	conf := nsq.NewConfig()
	conf.MaxInFlight = 200
	if cfg.Aura.MaxInFlight > 0 {
		conf.MaxInFlight = cfg.Aura.MaxInFlight
	}
	return conf
}

func newMux(rollup *aura.Rollup, reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("GET /rollup", rollup)
	return mux
}

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	logger := logging.New("heimdall-aura").SetLevel(logging.ParseLevel(cfg.LogLevel))

	stopTracing, err := tracing.Init(ctx, cfg.TracingConfig("heimdall-aura"))
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

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	rollup := aura.NewRollup(0)

	httpSrv := &http.Server{Addr: cfg.Aura.HTTPPort, Handler: newMux(rollup, reg), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("aura HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("aura HTTP server failed")
		}
	}()

	consumer, err := nsq.NewConsumer(cfg.NSQ.TelemetryTopic, cfg.NSQ.AuraChannel, consumerConfig(cfg))
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}
	consumer.AddHandler(aura.NewHandler(rollup, logger))

	// Connecting directly to NSQD forces channel creation, instead of the channel being lazily created on first publish
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to nsqd failed")
	}
	if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to lookupd failed")
	}

	logger.Plain().WithFields(map[string]any{
		"topic":   cfg.NSQ.TelemetryTopic,
		"channel": cfg.NSQ.AuraChannel,
	}).Info("aura service started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down aura service")
	consumer.Stop()
	<-consumer.StopChan
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("aura service stopped")
}
