package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/ramqp/internal/runtime/depends"
	"github.com/drblury/ramqp/internal/runtime/disposition"
	errspkg "github.com/drblury/ramqp/internal/runtime/errors"
	loggingpkg "github.com/drblury/ramqp/internal/runtime/logging"
	metadatapkg "github.com/drblury/ramqp/internal/runtime/metadata"
)

var errNoAcknowledger = errors.New("ramqp: delivery has no acknowledger")

// settleOnce guards a delivery's acknowledger so the message is settled exactly
// once. Whoever settles first wins, later calls are no-ops. Handlers that
// settle the delivery themselves through the Message dependency therefore
// take precedence over the pipeline.
type settleOnce struct {
	inner amqp091.Acknowledger

	mu      sync.Mutex
	settled bool
}

var _ amqp091.Acknowledger = (*settleOnce)(nil)

func (a *settleOnce) do(fn func(amqp091.Acknowledger) error) error {
	a.mu.Lock()
	if a.settled {
		a.mu.Unlock()
		return nil
	}
	a.settled = true
	a.mu.Unlock()

	if a.inner == nil {
		return errNoAcknowledger
	}
	return fn(a.inner)
}

func (a *settleOnce) Ack(tag uint64, multiple bool) error {
	return a.do(func(inner amqp091.Acknowledger) error { return inner.Ack(tag, multiple) })
}

func (a *settleOnce) Nack(tag uint64, multiple, requeue bool) error {
	return a.do(func(inner amqp091.Acknowledger) error { return inner.Nack(tag, multiple, requeue) })
}

func (a *settleOnce) Reject(tag uint64, requeue bool) error {
	return a.do(func(inner amqp091.Acknowledger) error { return inner.Reject(tag, requeue) })
}

func (a *settleOnce) settle(tag uint64, outcome disposition.Outcome) error {
	if outcome == disposition.Completed {
		return a.Ack(tag, false)
	}
	return a.Reject(tag, outcome.Redeliver())
}

// HandleDelivery runs one delivery through h and settles it:
//
//   - nil or an acknowledge signal acknowledges the message,
//   - a reject signal rejects it without requeueing,
//   - a requeue signal rejects it with requeueing,
//   - any other error (dependency resolution included) rejects it with
//     requeueing and is returned.
//
// The returned error is also handed to the OnDeliveryError hook.
func (s *System) HandleDelivery(ctx context.Context, h *Handler, d amqp091.Delivery) error {
	_, stats := s.handlerState(h.displayName())
	return s.handle(ctx, h, stats, d)
}

func (s *System) handle(ctx context.Context, h *Handler, stats *HandlerStats, d amqp091.Delivery) error {
	name := h.displayName()
	queue, _ := s.handlerState(name)
	log := s.Logger.With(loggingpkg.LogFields{
		"function":    name,
		"routing_key": d.RoutingKey,
		"message_id":  d.MessageId,
	})

	acker := &settleOnce{inner: d.Acknowledger}
	d.Acknowledger = acker

	log.Debug("Received message", nil)

	ctx, span := s.tracer.Start(ctx, "ramqp.receive "+name,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.operation", "process"),
			attribute.String("messaging.destination.name", d.Exchange),
			attribute.String("messaging.rabbitmq.destination.routing_key", d.RoutingKey),
			attribute.String("messaging.message.id", d.MessageId),
			attribute.Bool("messaging.rabbitmq.redelivered", d.Redelivered),
			attribute.String("ramqp.handler", name),
		),
	)
	defer span.End()

	done := s.observer.ReceiveStarted(d.RoutingKey, name)
	info := DeliveryContext{
		HandlerName: name,
		Queue:       queue,
		RoutingKey:  d.RoutingKey,
		MessageID:   d.MessageId,
		Redelivered: d.Redelivered,
		Metadata:    metadatapkg.FromTable(d.Headers),
		Context:     ctx,
		StartedAt:   time.Now(),
	}
	s.hooks.start(info)
	stats.onStart()

	// Deliveries from a topic exchange always carry a routing key, so one
	// without can never be routed to a handler correctly.
	missingKey := d.RoutingKey == ""
	var err error
	outcome := disposition.Rejected
	if missingKey {
		err = errspkg.ErrRoutingKeyMissing
	} else {
		scope := depends.NewScope(&d, s.appContext, name, log)
		err = depends.Invoke(ctx, scope, h.Depends, h.Func)
		outcome = disposition.Classify(err)
	}
	settleErr := acker.settle(d.DeliveryTag, outcome)

	var result error
	switch {
	case missingKey || outcome == disposition.Failed:
		log.Error("Exception during on_message()", err, nil)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		result = err
	case outcome == disposition.Rejected:
		log.Info("Rejected message", loggingpkg.LogFields{"reason": err.Error()})
	case outcome == disposition.Requeued:
		log.Info("Requested requeueing of message", loggingpkg.LogFields{"reason": err.Error()})
	}
	if settleErr != nil {
		log.Error("Unable to settle message", settleErr, loggingpkg.LogFields{"outcome": outcome.String()})
		result = errors.Join(result, settleErr)
	}
	span.SetAttributes(attribute.String("ramqp.outcome", outcome.String()))

	info.Duration = time.Since(info.StartedAt)
	info.Outcome = outcome
	done(result)
	stats.onFinish(outcome, info.Duration, err)
	s.hooks.finish(info, result)
	return result
}
