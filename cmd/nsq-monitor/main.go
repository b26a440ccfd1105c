package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/heimdall/internal/config"
	"github.com/austindbirch/heimdall/internal/logging"
	"github.com/austindbirch/heimdall/internal/metrics"
)

// NSQStats represents the JSON structure returned by NSQ stats API
type NSQStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
		Depth int64 `json:"depth"`
	} `json:"topics"`
}

var (
	// Batches waiting for the aura rollup
	telemetryBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "heimdall_telemetry_backlog",
		Help: "Number of telemetry batches waiting on the rollup channel",
	})

	channelInflight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "heimdall_nsq_channel_inflight",
		Help: "In-flight messages for NSQ channels by topic and channel",
	}, []string{"topic", "channel"})
)

type monitor struct {
	nsqdHost string
	topic    string
	channel  string
	client   *http.Client
	log      *logging.Logger
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New("heimdall-nsq-monitor")

	m := &monitor{
		nsqdHost: getEnv("NSQD_HOST", "nsqd:4151"),
		topic:    cfg.NSQ.TelemetryTopic,
		channel:  cfg.NSQ.AuraChannel,
		client:   &http.Client{Timeout: 5 * time.Second},
		log:      logger,
	}
	port := getEnv("PORT", "8084")
	interval := getEnvInt("POLL_INTERVAL_SECONDS", 15)

	reg := prometheus.NewRegistry()
	reg.MustRegister(telemetryBacklog, channelInflight, metrics.NSQTopicDepth)

	logger.Plain().WithFields(map[string]any{
		"port":     port,
		"nsqd":     m.nsqdHost,
		"topic":    m.topic,
		"interval": interval,
	}).Info("NSQ monitor starting")

	go m.collect(context.Background(), time.Duration(interval)*time.Second)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})

	if err := http.ListenAndServe(":"+port, mux); err != nil {
		logger.Plain().WithError(err).Fatal("NSQ monitor HTTP server failed")
	}
}

func (m *monitor) collect(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.update(ctx); err != nil {
				m.log.Plain().WithError(err).Error("Error updating metrics")
			}
		}
	}
}

func (m *monitor) update(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/stats?format=json", m.nsqdHost), nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("NSQ stats returned %d", resp.StatusCode)
	}

	var stats NSQStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode NSQ stats: %w", err)
	}

	for _, topic := range stats.Topics {
		if topic.TopicName != m.topic {
			continue
		}
		for _, channel := range topic.Channels {
			if channel.ChannelName == m.channel {
				telemetryBacklog.Set(float64(channel.Depth))
			}
			metrics.UpdateNSQTopicDepth(topic.TopicName, channel.ChannelName, float64(channel.Depth))
			channelInflight.WithLabelValues(topic.TopicName, channel.ChannelName).Set(float64(channel.InFlightCount))
		}
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
