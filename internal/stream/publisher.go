package stream

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/heimdall/internal/event"
	"github.com/austindbirch/heimdall/internal/tracing"
)

// Producer is the part of *nsq.Producer the publisher uses
type Producer interface {
	Publish(topic string, body []byte) error
	Ping() error
}

// Publisher fans accepted batches out on an NSQ topic
type Publisher struct {
	prod  Producer
	topic string
	now   func() time.Time
}

func NewPublisher(prod Producer, topic string) *Publisher {
	return &Publisher{prod: prod, topic: topic, now: time.Now}
}

// Topic returns the topic batches are published to
func (p *Publisher) Topic() string {
	return p.topic
}

// PublishBatch encodes events with the trace context of ctx and publishes them
func (p *Publisher) PublishBatch(ctx context.Context, events []event.Event) error {
	body, err := Encode(Batch{
		Headers:    tracing.InjectHeaders(ctx),
		ReceivedAt: p.now().UTC(),
		Events:     events,
	})
	if err != nil {
		return err
	}
	if err := p.prod.Publish(p.topic, body); err != nil {
		return fmt.Errorf("nsq publish: %w", err)
	}
	tracing.AddSpanEvent(ctx, "nsq.published_batch",
		attribute.String("topic", p.topic),
		attribute.Int("event_count", len(events)),
	)
	return nil
}

// Ping checks the nsqd connection
func (p *Publisher) Ping(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- p.prod.Ping() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
