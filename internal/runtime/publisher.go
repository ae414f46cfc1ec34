package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/ramqp/internal/runtime/errors"
	idspkg "github.com/drblury/ramqp/internal/runtime/ids"
	"github.com/drblury/ramqp/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/ramqp/internal/runtime/logging"
	metadatapkg "github.com/drblury/ramqp/internal/runtime/metadata"
	transportpkg "github.com/drblury/ramqp/transport"
)

// Publisher emits JSON payloads under a routing key.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload any, opts ...PublishOption) error
}

var _ Publisher = (*System)(nil)

// PublishOption customises a single Publish call.
type PublishOption func(*publishOptions)

type publishOptions struct {
	exchange string
	metadata metadatapkg.Metadata
}

// WithExchange publishes to name instead of the configured exchange. The
// exchange is not declared by the publisher.
func WithExchange(name string) PublishOption {
	return func(o *publishOptions) { o.exchange = name }
}

// WithMetadata adds headers to the published message.
func WithMetadata(md metadatapkg.Metadata) PublishOption {
	return func(o *publishOptions) { o.metadata = md }
}

func newMarshaler() amqp.Marshaler {
	return amqp.DefaultMarshaler{
		PostprocessPublishing: func(p amqp091.Publishing) amqp091.Publishing {
			p.ContentType = jsoncodec.ContentType
			p.Timestamp = time.Now().UTC()
			return p
		},
	}
}

// NewMessage encodes payload as JSON into a Watermill message with a fresh
// ULID identity.
func NewMessage(payload any, md metadatapkg.Metadata) (*message.Message, error) {
	body, err := jsoncodec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ramqp: encode payload: %w", err)
	}
	msg := message.NewMessage(idspkg.NewMessageID(), body)
	msg.Metadata = metadatapkg.ToWatermill(md)
	return msg, nil
}

// Publish encodes payload as JSON and publishes it under routingKey on the
// configured exchange. It fails with ErrNotStarted before Start.
func (s *System) Publish(ctx context.Context, routingKey string, payload any, opts ...PublishOption) error {
	s.mu.Lock()
	ch, exchange := s.channel, s.exchange
	s.mu.Unlock()
	if ch == nil || exchange == "" {
		return errspkg.ErrNotStarted
	}
	if routingKey == "" {
		return errspkg.ErrRoutingKeyRequired
	}

	o := publishOptions{exchange: exchange}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	ctx, span := s.tracer.Start(ctx, "ramqp.publish "+routingKey,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.operation", "publish"),
			attribute.String("messaging.destination.name", o.exchange),
			attribute.String("messaging.rabbitmq.destination.routing_key", routingKey),
		),
	)
	defer span.End()

	done := s.observer.PublishStarted(routingKey)
	err := s.publish(ctx, ch, o, routingKey, payload, span)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.Logger.Error("Unable to publish message", err, loggingpkg.LogFields{
			"routing_key": routingKey,
			"exchange":    o.exchange,
		})
	}
	done(err)
	return err
}

func (s *System) publish(ctx context.Context, ch transportpkg.Channel, o publishOptions, routingKey string, payload any, span trace.Span) error {
	msg, err := NewMessage(payload, o.metadata)
	if err != nil {
		return err
	}
	msg.SetContext(ctx)
	span.SetAttributes(attribute.String("messaging.message.id", msg.UUID))

	pub, err := s.marshaler.Marshal(msg)
	if err != nil {
		return fmt.Errorf("ramqp: marshal message: %w", err)
	}
	pub.MessageId = msg.UUID

	if err := ch.PublishWithContext(ctx, o.exchange, routingKey, false, false, pub); err != nil {
		return fmt.Errorf("ramqp: publish to %q: %w", o.exchange, err)
	}
	return nil
}
