package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMustRegister(t *testing.T) {
	reg := prometheus.NewRegistry()

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("MustRegister() panicked: %v", r)
		}
	}()
	MustRegister(reg)

	// Record some values so vector metrics appear in Gather()
	RecordIngest("accepted")
	RecordPersisted(map[string]int{"browser": 2}, 2, 10*time.Millisecond)
	RecordStreamPublish(true)
	RecordClientFlush("interval", true)
	RecordClientDropped("quota", 1)
	SetClientQueueDepth(4)
	RecordAuraEvent("load-data", "SUCCESS", "browser", 120*time.Millisecond, true)
	RecordAuraBatch("ok")
	UpdateNSQTopicDepth("telemetry_events", "aura", 3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Registry.Gather() error: %v", err)
	}
	registered := make(map[string]bool)
	for _, mf := range families {
		registered[mf.GetName()] = true
	}
	for _, name := range []string{
		"heimdall_ingest_batches_total",
		"heimdall_ingest_events_total",
		"heimdall_ingest_batch_size",
		"heimdall_ingest_insert_seconds",
		"heimdall_stream_publish_total",
		"heimdall_client_flushes_total",
		"heimdall_client_events_dropped_total",
		"heimdall_client_queue_depth",
		"heimdall_aura_events_total",
		"heimdall_aura_trace_duration_seconds",
		"heimdall_aura_batches_total",
		"heimdall_nsq_topic_depth",
	} {
		if !registered[name] {
			t.Errorf("Expected metric %s not found in registry", name)
		}
	}
}

func TestRecordIngest(t *testing.T) {
	IngestBatchesTotal.Reset()

	tests := []struct {
		result string
		calls  int
	}{
		{result: "accepted", calls: 3},
		{result: "invalid", calls: 1},
		{result: "store_error", calls: 2},
	}
	for _, tt := range tests {
		for i := 0; i < tt.calls; i++ {
			RecordIngest(tt.result)
		}
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(IngestBatchesTotal.WithLabelValues(tt.result)); got != float64(tt.calls) {
			t.Errorf("IngestBatchesTotal{%s} = %v, want %d", tt.result, got, tt.calls)
		}
	}
}

func TestRecordPersisted(t *testing.T) {
	IngestEventsTotal.Reset()

	RecordPersisted(map[string]int{"browser": 3, "server": 1}, 4, 5*time.Millisecond)
	RecordPersisted(map[string]int{"browser": 2}, 2, 5*time.Millisecond)

	if got := testutil.ToFloat64(IngestEventsTotal.WithLabelValues("browser")); got != 5 {
		t.Errorf("IngestEventsTotal{browser} = %v, want 5", got)
	}
	if got := testutil.ToFloat64(IngestEventsTotal.WithLabelValues("server")); got != 1 {
		t.Errorf("IngestEventsTotal{server} = %v, want 1", got)
	}
}

func TestClientMetrics(t *testing.T) {
	ClientFlushesTotal.Reset()
	ClientEventsDroppedTotal.Reset()

	RecordClientFlush("unload", false)
	RecordClientFlush("unload", false)
	RecordClientFlush("size", true)
	RecordClientDropped("max_attempts", 4)
	RecordClientDropped("quota", 0)
	SetClientQueueDepth(17)

	if got := testutil.ToFloat64(ClientFlushesTotal.WithLabelValues("unload", "failed")); got != 2 {
		t.Errorf("ClientFlushesTotal{unload,failed} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(ClientFlushesTotal.WithLabelValues("size", "ok")); got != 1 {
		t.Errorf("ClientFlushesTotal{size,ok} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(ClientEventsDroppedTotal.WithLabelValues("max_attempts")); got != 4 {
		t.Errorf("ClientEventsDroppedTotal{max_attempts} = %v, want 4", got)
	}
	if got := testutil.CollectAndCount(ClientEventsDroppedTotal); got != 1 {
		t.Errorf("zero-count drops should not create series, got %d series", got)
	}
	if got := testutil.ToFloat64(ClientQueueDepth); got != 17 {
		t.Errorf("ClientQueueDepth = %v, want 17", got)
	}
}

func TestRecordAuraEvent(t *testing.T) {
	AuraEventsTotal.Reset()
	AuraTraceDuration.Reset()

	RecordAuraEvent("save", "FAILURE", "server", 2*time.Second, true)
	RecordAuraEvent("save", "IN_PROGRESS", "server", 0, false)

	if got := testutil.ToFloat64(AuraEventsTotal.WithLabelValues("FAILURE", "server")); got != 1 {
		t.Errorf("AuraEventsTotal{FAILURE,server} = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(AuraTraceDuration); got != 1 {
		t.Errorf("AuraTraceDuration series = %d, want 1", got)
	}
}
