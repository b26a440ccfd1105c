package emitter

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/austindbirch/heimdall/internal/event"
	"github.com/austindbirch/heimdall/internal/logging"
)

// Sink receives every event the emitter builds. The client queue and the direct
// persistence sink both implement it; neither may block the caller on I/O.
type Sink interface {
	Enqueue(ev event.Event)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ev event.Event)

func (f SinkFunc) Enqueue(ev event.Event) { f(ev) }

// Options configures an Emitter
type Options struct {
	Runtime event.Runtime

	// Console forwards level calls and group markers to the console logger.
	Console      bool
	ConsoleLevel logging.LogLevel
	ConsoleOut   io.Writer

	// EmitUntraced emits level calls without a traceId under a fresh trace id.
	EmitUntraced bool

	Registry *Registry
	Clock    func() time.Time
	NewID    func() string

	// Path returns the current location for client runtimes.
	Path func() string
}

// Development keeps console output and untraced level events
func Development(rt event.Runtime) Options {
	return Options{
		Runtime:      rt,
		Console:      true,
		ConsoleLevel: logging.LevelDebug,
		EmitUntraced: true,
	}
}

// Production suppresses console output and only emits trace-tagged events
func Production(rt event.Runtime) Options {
	return Options{
		Runtime:      rt,
		Console:      false,
		ConsoleLevel: logging.LevelWarn,
		EmitUntraced: false,
	}
}

// TrackOptions are the inputs to Track
type TrackOptions struct {
	Status   event.Status
	TraceID  string
	Payload  map[string]any
	Duration *time.Duration
}

// Emitter is the logging surface application code calls. Every method is safe
// for concurrent use and never panics or returns errors to the caller.
type Emitter struct {
	sink    Sink
	reg     *Registry
	console *logging.Logger
	opts    Options
}

func New(sink Sink, opts Options) *Emitter {
	if !opts.Runtime.Valid() {
		opts.Runtime = event.DetectRuntime()
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = event.NewID
	}
	if opts.ConsoleOut == nil {
		opts.ConsoleOut = os.Stderr
	}
	if opts.ConsoleLevel == "" {
		opts.ConsoleLevel = logging.LevelDebug
	}

	console := logging.New("heimdall").
		SetOutput(opts.ConsoleOut).
		SetLevel(opts.ConsoleLevel).
		SetEnabled(opts.Console)

	return &Emitter{
		sink:    sink,
		reg:     opts.Registry,
		console: console,
		opts:    opts,
	}
}

// Registry exposes the in-flight operation registry
func (e *Emitter) Registry() *Registry {
	return e.reg
}

// StartTrace opens a trace, emits its IN_PROGRESS event and returns the trace id
func (e *Emitter) StartTrace(name string) string {
	id := e.opts.NewID()
	e.reg.Put(id, Operation{Name: name, Start: e.opts.Clock()})
	e.Track(name, TrackOptions{Status: event.StatusInProgress, TraceID: id})
	return id
}

// TraceEvent emits an intermediate checkpoint. The trace does not need to be
// registered.
func (e *Emitter) TraceEvent(traceID, name string, payload map[string]any) {
	e.Track(name, TrackOptions{
		Status:  event.StatusInProgress,
		TraceID: traceID,
		Payload: nonEmpty(copyFields(payload)),
	})
}

// EndTrace emits the single terminal event for traceID. fields["error"] set to
// true, a non-nil error or a non-empty string marks the trace FAILURE. Ending an
// unknown or already ended trace does nothing.
func (e *Emitter) EndTrace(traceID string, fields map[string]any) {
	op, ok := e.reg.Take(traceID)
	if !ok {
		return
	}
	failed, payload := splitError(fields)
	status := event.StatusSuccess
	if failed {
		status = event.StatusFailure
	}
	elapsed := e.opts.Clock().Sub(op.Start)
	e.Track(op.Name, TrackOptions{
		Status:   status,
		TraceID:  traceID,
		Payload:  payload,
		Duration: &elapsed,
	})
}

// StartGroup opens a console group. Groups never produce events.
func (e *Emitter) StartGroup(label string) string {
	id := e.opts.NewID()
	e.reg.Put(id, Operation{Name: label, Start: e.opts.Clock()})
	e.console.Plain().WithGroup(label).Debug("group started")
	return id
}

// EndGroup closes a console group and logs its elapsed time
func (e *Emitter) EndGroup(groupID string) {
	op, ok := e.reg.Take(groupID)
	if !ok {
		return
	}
	elapsed := e.opts.Clock().Sub(op.Start)
	e.console.Plain().
		WithGroup(op.Name).
		WithField("elapsed_ms", event.Milliseconds(elapsed)).
		Debug("group ended")
}

func (e *Emitter) Success(message string, fields map[string]any) {
	e.level(levelSuccess, message, fields)
}

func (e *Emitter) Info(message string, fields map[string]any) {
	e.level(levelInfo, message, fields)
}

func (e *Emitter) Warn(message string, fields map[string]any) {
	e.level(levelWarn, message, fields)
}

func (e *Emitter) Error(message string, fields map[string]any) {
	e.level(levelError, message, fields)
}

func (e *Emitter) Trace(message string, fields map[string]any) {
	e.level(levelTrace, message, fields)
}

// Track builds an event and hands it to the sink. Every other method funnels
// through here.
func (e *Emitter) Track(name string, opts TrackOptions) {
	defer e.recoverPanic(name)

	status := opts.Status
	if status == "" {
		status = event.StatusInProgress
	}
	if name == "" || !status.Valid() {
		// the ingestion endpoint rejects whole batches containing such events
		e.console.Plain().
			WithTraceID(opts.TraceID).
			WithField("status", string(status)).
			Warn("dropping telemetry event with empty name or unknown status")
		return
	}

	ctx := event.Context{Runtime: e.opts.Runtime}
	if e.opts.Runtime.Client() && e.opts.Path != nil {
		ctx.Path = e.opts.Path()
	}

	ev := event.Build(name, status, event.Options{
		TraceID:  opts.TraceID,
		Payload:  opts.Payload,
		Duration: opts.Duration,
		Context:  ctx,
		Now:      e.opts.Clock(),
	})
	ev.EventID = e.opts.NewID()
	if errs := ev.Validate(); len(errs) > 0 {
		e.console.Plain().
			WithTraceID(ev.TraceID).
			WithField("event_name", name).
			WithError(errs).
			Warn("dropping invalid telemetry event")
		return
	}
	e.sink.Enqueue(ev)
}

func (e *Emitter) recoverPanic(name string) {
	if r := recover(); r != nil {
		e.console.Plain().
			WithField("event_name", name).
			WithField("panic", fmt.Sprint(r)).
			Warn("telemetry sink panicked, event dropped")
	}
}

type levelKind int

const (
	levelSuccess levelKind = iota
	levelInfo
	levelWarn
	levelError
	levelTrace
)

func (k levelKind) status() event.Status {
	switch k {
	case levelSuccess:
		return event.StatusSuccess
	case levelWarn, levelError:
		return event.StatusFailure
	default:
		return event.StatusInProgress
	}
}

func (k levelKind) logLevel() logging.LogLevel {
	switch k {
	case levelTrace:
		return logging.LevelDebug
	case levelWarn:
		return logging.LevelWarn
	case levelError:
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

func (k levelKind) String() string {
	return [...]string{"success", "info", "warn", "error", "trace"}[k]
}

func (e *Emitter) level(kind levelKind, message string, fields map[string]any) {
	payload := copyFields(fields)
	traceID, _ := payload["traceId"].(string)
	delete(payload, "traceId")
	payload = nonEmpty(payload)

	e.console.WithFields(copyFields(payload)).
		WithTraceID(traceID).
		WithField("kind", kind.String()).
		Log(kind.logLevel(), message)

	if traceID == "" {
		if !e.opts.EmitUntraced {
			return
		}
		traceID = e.opts.NewID()
	}
	e.Track(message, TrackOptions{Status: kind.status(), TraceID: traceID, Payload: payload})
}

// splitError reports whether fields mark a failure and returns the remaining
// payload. Error values are kept as their message.
func splitError(fields map[string]any) (bool, map[string]any) {
	payload := copyFields(fields)
	var failed bool
	if v, ok := payload["error"]; ok {
		delete(payload, "error")
		switch x := v.(type) {
		case bool:
			failed = x
		case error:
			if x != nil {
				failed = true
				payload["error"] = x.Error()
			}
		case string:
			if x != "" {
				failed = true
				payload["error"] = x
			}
		case nil:
		default:
			failed = true
			payload["error"] = fmt.Sprint(x)
		}
	}
	return failed, nonEmpty(payload)
}

func copyFields(fields map[string]any) map[string]any {
	if fields == nil {
		return make(map[string]any)
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func nonEmpty(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	return m
}
