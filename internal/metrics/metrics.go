package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	IngestBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heimdall_ingest_batches_total",
			Help: "Total number of ingestion requests by result.",
		},
		[]string{"result"}, // accepted, empty, malformed, invalid, too_large, rejected, method_not_allowed, store_error
	)

	IngestEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heimdall_ingest_events_total",
			Help: "Total number of events persisted by runtime.",
		},
		[]string{"runtime"},
	)

	IngestBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "heimdall_ingest_batch_size",
			Help:    "Number of events per accepted batch.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
		},
	)

	IngestInsertSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "heimdall_ingest_insert_seconds",
			Help:    "Latency of the bulk insert of one batch.",
			Buckets: prometheus.DefBuckets,
		},
	)

	StreamPublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heimdall_stream_publish_total",
			Help: "Accepted batches published to the telemetry topic by result.",
		},
		[]string{"result"},
	)

	ClientFlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heimdall_client_flushes_total",
			Help: "Client flush attempts by path and result.",
		},
		[]string{"path", "result"}, // path: interval, size, unload; result: ok, failed
	)

	ClientEventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heimdall_client_events_dropped_total",
			Help: "Client events discarded before delivery by reason.",
		},
		[]string{"reason"}, // quota, corrupt, max_attempts, unencodable
	)

	ClientQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "heimdall_client_queue_depth",
			Help: "Events currently held in the durable client queue.",
		},
	)

	AuraEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heimdall_aura_events_total",
			Help: "Events rolled up by the aura consumer by status and runtime.",
		},
		[]string{"status", "runtime"},
	)

	AuraTraceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "heimdall_aura_trace_duration_seconds",
			Help:    "Duration of completed traces by event name and terminal status.",
			Buckets: []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"event_name", "status"},
	)

	AuraBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heimdall_aura_batches_total",
			Help: "Stream messages handled by the aura consumer by result.",
		},
		[]string{"result"}, // ok, malformed
	)

	NSQTopicDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "heimdall_nsq_topic_depth",
			Help: "Depth of NSQ channels by topic and channel.",
		},
		[]string{"topic", "channel"},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		IngestBatchesTotal,
		IngestEventsTotal,
		IngestBatchSize,
		IngestInsertSeconds,
		StreamPublishTotal,
		ClientFlushesTotal,
		ClientEventsDroppedTotal,
		ClientQueueDepth,
		AuraEventsTotal,
		AuraTraceDuration,
		AuraBatchesTotal,
		NSQTopicDepth,
	)
}

// RecordIngest records the outcome of one ingestion request
func RecordIngest(result string) {
	IngestBatchesTotal.WithLabelValues(result).Inc()
}

// RecordPersisted records an accepted batch of n events and the insert latency
func RecordPersisted(byRuntime map[string]int, n int, latency time.Duration) {
	for rt, count := range byRuntime {
		IngestEventsTotal.WithLabelValues(rt).Add(float64(count))
	}
	IngestBatchSize.Observe(float64(n))
	IngestInsertSeconds.Observe(latency.Seconds())
}

// RecordStreamPublish records a fan-out publish outcome
func RecordStreamPublish(ok bool) {
	StreamPublishTotal.WithLabelValues(okLabel(ok)).Inc()
}

// RecordClientFlush records a client flush attempt
func RecordClientFlush(path string, ok bool) {
	ClientFlushesTotal.WithLabelValues(path, okLabel(ok)).Inc()
}

// RecordClientDropped records n events discarded on the client
func RecordClientDropped(reason string, n int) {
	if n <= 0 {
		return
	}
	ClientEventsDroppedTotal.WithLabelValues(reason).Add(float64(n))
}

// SetClientQueueDepth publishes the current queue length
func SetClientQueueDepth(n int) {
	ClientQueueDepth.Set(float64(n))
}

// RecordAuraEvent records one rolled-up event; duration is only observed for
// terminal events that carry one
func RecordAuraEvent(eventName, status, runtime string, duration time.Duration, hasDuration bool) {
	AuraEventsTotal.WithLabelValues(status, runtime).Inc()
	if hasDuration {
		AuraTraceDuration.WithLabelValues(eventName, status).Observe(duration.Seconds())
	}
}

// RecordAuraBatch records the handling result of one stream message
func RecordAuraBatch(result string) {
	AuraBatchesTotal.WithLabelValues(result).Inc()
}

// UpdateNSQTopicDepth updates the NSQ channel depth gauge
func UpdateNSQTopicDepth(topic, channel string, depth float64) {
	NSQTopicDepth.WithLabelValues(topic, channel).Set(depth)
}

func okLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}
