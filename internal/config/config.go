package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/austindbirch/heimdall/internal/tracing"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	TelemetryTopic string // topic carrying accepted telemetry batches
	AuraChannel    string // channel the aura rollup consumes from
	Publish        bool   // whether ingest publishes accepted batches
}

type Ingest struct {
	Path          string // ingestion route
	MaxBodyBytes  int64  // request body limit
	InsertTimeout time.Duration
}

// Client configures the queueing emitter used in browser and edge runtimes
type Client struct {
	Endpoint       string        // full ingestion URL
	QueuePath      string        // durable queue file; empty keeps the queue in memory
	QueueMaxBytes  int64         // storage quota for the queue file, 0 = unlimited
	MaxBatchSize   int           // size trigger and per-request cap
	BatchInterval  time.Duration // periodic flush interval
	MaxAttempts    int           // drop entries after this many failed sends, 0 = retry forever
	Compress       bool          // gzip request bodies
	Production     bool          // suppress console output and untraced level events
	ConsoleLevel   string        // minimum console level in development
	RequestTimeout time.Duration
}

type Aura struct {
	MaxInFlight int    // stream messages handled concurrently
	HTTPPort    string // aura metrics port
}

type FakeIngest struct {
	FailFirstN      int // number of requests to fail initially
	ResponseDelayMS int // simulated response delay in milliseconds
	Port            string
}

// Tracing configures span export; variable names follow the OpenTelemetry
// conventions where one exists
type Tracing struct {
	Endpoint    string
	SampleRatio float64
	Version     string
	InstanceID  string
}

type Config struct {
	AppName    string
	HTTPPort   string // :8080
	LogLevel   string
	DB         DB
	NSQ        NSQ
	Ingest     Ingest
	Client     Client
	Aura       Aura
	FakeIngest FakeIngest
	Tracing    Tracing
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// getenvMillis reads an integer millisecond value
func getenvMillis(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}

func FromEnv() Config {
	return Config{
		AppName:  getenv("APP_NAME", "heimdall"),
		HTTPPort: getenv("HTTP_PORT", ":8080"),
		LogLevel: getenv("LOG_LEVEL", "info"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "heimdall"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			TelemetryTopic: getenv("NSQ_TELEMETRY_TOPIC", "telemetry_events"),
			AuraChannel:    getenv("NSQ_AURA_CHANNEL", "aura"),
			Publish:        getenvBool("PUBLISH_TELEMETRY_TOPIC", false),
		},
		Ingest: Ingest{
			Path:          getenv("INGEST_PATH", "/api/telemetry/ingest"),
			MaxBodyBytes:  getenvInt64("INGEST_MAX_BODY_BYTES", 1<<20),
			InsertTimeout: getenvDuration("INGEST_INSERT_TIMEOUT", 5*time.Second),
		},
		Client: Client{
			Endpoint:       getenv("HEIMDALL_ENDPOINT", "http://localhost:8080/api/telemetry/ingest"),
			QueuePath:      getenv("HEIMDALL_QUEUE_PATH", ""),
			QueueMaxBytes:  getenvInt64("HEIMDALL_QUEUE_MAX_BYTES", 5<<20),
			MaxBatchSize:   getenvInt("HEIMDALL_MAX_BATCH_SIZE", 50),
			BatchInterval:  getenvMillis("HEIMDALL_BATCH_INTERVAL_MS", 5*time.Second),
			MaxAttempts:    getenvInt("HEIMDALL_MAX_ATTEMPTS", 10),
			Compress:       getenvBool("HEIMDALL_COMPRESS", false),
			Production:     getenvBool("HEIMDALL_PRODUCTION", false),
			ConsoleLevel:   getenv("HEIMDALL_CONSOLE_LEVEL", "debug"),
			RequestTimeout: getenvDuration("HEIMDALL_REQUEST_TIMEOUT", 10*time.Second),
		},
		Aura: Aura{
			MaxInFlight: getenvInt("AURA_MAX_IN_FLIGHT", 200),
			HTTPPort:    ":" + getenv("AURA_HTTP_PORT", "8083"),
		},
		FakeIngest: FakeIngest{
			FailFirstN:      getenvInt("FAIL_FIRST_N", 0),
			ResponseDelayMS: getenvInt("RESPONSE_DELAY_MS", 0),
			Port:            getenv("FAKE_INGEST_PORT", ":8081"),
		},
		Tracing: Tracing{
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "tempo:4318"),
			SampleRatio: getenvFloat("OTEL_TRACES_SAMPLER_ARG", 1),
			Version:     getenv("SERVICE_VERSION", "dev"),
			InstanceID:  getenv("HOSTNAME", getenv("POD_NAME", "unknown")),
		},
	}
}

// TracingConfig returns the tracer settings for the named service
func (c Config) TracingConfig(service string) tracing.Config {
	return tracing.Config{
		ServiceName: service,
		Version:     c.Tracing.Version,
		InstanceID:  c.Tracing.InstanceID,
		Endpoint:    c.Tracing.Endpoint,
		SampleRatio: c.Tracing.SampleRatio,
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
