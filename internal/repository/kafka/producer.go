package kafka

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sebastianhamm/kapelle-auth/internal/domain/audit"
	"github.com/sebastianhamm/kapelle-auth/internal/obs/retry"
)

// AuditProducer publishes session-lifecycle events as JSON, keyed by the
// principal email so a single principal's history stays in one partition.
type AuditProducer struct {
	w     *kafka.Writer
	topic string
	log   *zap.Logger
}

func NewAuditProducer(brokers []string, topic string, log *zap.Logger) *AuditProducer {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuditProducer{
		w: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		},
		topic: topic,
		log:   log.With(zap.String("component", "kafka.audit"), zap.String("topic", topic)),
	}
}

func (p *AuditProducer) Publish(ctx context.Context, ev audit.Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("audit marshal failed", zap.Error(err))
		return err
	}

	tr := otel.Tracer("kafka.audit")
	ctx, span := tr.Start(ctx, "kafka.produce "+p.topic, trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKafka,
			semconv.MessagingDestinationName(p.topic),
			semconv.MessagingOperationPublish,
		),
	)
	defer span.End()

	hdrs := mapCarrierHeaders{}
	otel.GetTextMapPropagator().Inject(ctx, hdrs)

	msg := kafka.Message{Key: []byte(ev.Subject), Value: value, Headers: hdrs.ToKafka()}

	err = retry.Do(ctx, func() error {
		return p.w.WriteMessages(ctx, msg)
	}, retry.AuditPublishPolicy(p.log))
	if err != nil {
		p.log.Error("kafka write failed", zap.Error(err))
		return err
	}
	p.log.Debug("audit event published", zap.String("kind", ev.Kind))
	return nil
}

func (p *AuditProducer) Close() error { return p.w.Close() }
