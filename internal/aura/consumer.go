package aura

import (
	"context"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/heimdall/internal/logging"
	"github.com/austindbirch/heimdall/internal/metrics"
	"github.com/austindbirch/heimdall/internal/stream"
	"github.com/austindbirch/heimdall/internal/tracing"
)

// Handler consumes stream batches from NSQ into a Rollup
type Handler struct {
	rollup *Rollup
	log    *logging.Logger
}

func NewHandler(rollup *Rollup, log *logging.Logger) *Handler {
	if log == nil {
		log = logging.Default()
	}
	return &Handler{rollup: rollup, log: log}
}

// HandleMessage implements nsq.Handler. Every message is finished: the rollup
// has no transient failure to retry, and a body that does not decode never will.
func (h *Handler) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse()

	n, err := h.Process(context.Background(), m.Body)
	if err != nil {
		h.log.Plain().WithError(err).
			WithField("attempts", m.Attempts).
			Error("bad telemetry stream message")
		metrics.RecordAuraBatch("malformed")
		m.Finish()
		return nil
	}
	h.log.Plain().WithField("event_count", n).Debug("rolled up telemetry batch")
	metrics.RecordAuraBatch("ok")
	m.Finish()
	return nil
}

// Process decodes one message body and rolls its events up. Events that fail
// validation are skipped.
func (h *Handler) Process(ctx context.Context, body []byte) (int, error) {
	b, err := stream.Decode(body)
	if err != nil {
		return 0, err
	}

	ctx, span := tracing.StartConsumerSpan(ctx, b.Headers, "aura.rollup",
		attribute.Int("event_count", len(b.Events)),
	)
	defer span.End()

	var n int
	for _, ev := range b.Events {
		if errs := ev.Validate(); len(errs) > 0 {
			h.log.WithContext(ctx).WithEvent(ev.EventID).WithError(errs).Warn("skipping invalid streamed event")
			continue
		}
		h.rollup.Add(ev)
		n++
	}
	tracing.AddSpanEvent(ctx, "aura.rolled_up", attribute.Int("rolled_up", n))
	return n, nil
}
