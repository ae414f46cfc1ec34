package runtime

import (
	"context"
	"time"

	"github.com/drblury/ramqp/internal/runtime/disposition"
	loggingpkg "github.com/drblury/ramqp/internal/runtime/logging"
	metadatapkg "github.com/drblury/ramqp/internal/runtime/metadata"
)

// DeliveryContext describes one delivery attempt to hooks.
type DeliveryContext struct {
	// HandlerName is the name of the handler processing the delivery.
	HandlerName string
	// Queue is the queue the message was consumed from.
	Queue string
	// RoutingKey is the key the message was published with.
	RoutingKey string
	// MessageID is the AMQP message-id property.
	MessageID string
	// Redelivered is set when the broker delivered this message before.
	Redelivered bool
	// Metadata holds the message headers.
	Metadata metadatapkg.Metadata
	// Context is the context the handler runs with.
	Context context.Context
	// StartedAt is when the pipeline received the delivery.
	StartedAt time.Time
	// Duration is how long handling took. Zero in OnDeliveryStart.
	Duration time.Duration
	// Outcome is how the delivery was settled. Unset in OnDeliveryStart.
	Outcome disposition.Outcome
}

// DeliveryHooks are called around every delivery. All hooks are optional.
type DeliveryHooks struct {
	// OnDeliveryStart is called before dependencies are resolved.
	OnDeliveryStart func(ctx DeliveryContext)

	// OnDeliveryDone is called after a delivery was acknowledged, rejected or
	// requeued on request of the handler.
	OnDeliveryDone func(ctx DeliveryContext)

	// OnDeliveryError is called after a failed delivery was requeued. It is
	// where a failing handler's error ends up; use it to escalate persistent
	// failures, for example by cancelling the process context.
	OnDeliveryError func(ctx DeliveryContext, err error)
}

// Merge combines two DeliveryHooks. The hooks from other run after those from h.
func (h DeliveryHooks) Merge(other DeliveryHooks) DeliveryHooks {
	return DeliveryHooks{
		OnDeliveryStart: chainHooks(h.OnDeliveryStart, other.OnDeliveryStart),
		OnDeliveryDone:  chainHooks(h.OnDeliveryDone, other.OnDeliveryDone),
		OnDeliveryError: chainErrorHooks(h.OnDeliveryError, other.OnDeliveryError),
	}
}

func chainHooks(a, b func(DeliveryContext)) func(DeliveryContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DeliveryContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(DeliveryContext, error)) func(DeliveryContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DeliveryContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

func (h DeliveryHooks) start(ctx DeliveryContext) {
	if h.OnDeliveryStart != nil {
		h.OnDeliveryStart(ctx)
	}
}

func (h DeliveryHooks) finish(ctx DeliveryContext, err error) {
	if ctx.Outcome == disposition.Failed {
		if h.OnDeliveryError != nil {
			h.OnDeliveryError(ctx, err)
		}
		return
	}
	if h.OnDeliveryDone != nil {
		h.OnDeliveryDone(ctx)
	}
}

// LoggingHooks returns hooks that log delivery lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) DeliveryHooks {
	fields := func(ctx DeliveryContext) loggingpkg.LogFields {
		return loggingpkg.LogFields{
			"function":    ctx.HandlerName,
			"routing_key": ctx.RoutingKey,
			"message_id":  ctx.MessageID,
			"redelivered": ctx.Redelivered,
		}
	}
	return DeliveryHooks{
		OnDeliveryStart: func(ctx DeliveryContext) {
			logger.Debug("Delivery started", fields(ctx))
		},
		OnDeliveryDone: func(ctx DeliveryContext) {
			logger.Debug("Delivery settled", fields(ctx).Merge(loggingpkg.LogFields{
				"outcome":     ctx.Outcome.String(),
				"duration_ms": ctx.Duration.Milliseconds(),
			}))
		},
		OnDeliveryError: func(ctx DeliveryContext, err error) {
			logger.Error("Delivery failed", err, fields(ctx).Merge(loggingpkg.LogFields{
				"duration_ms": ctx.Duration.Milliseconds(),
			}))
		},
	}
}

// EscalateAfter returns hooks that call escalate once a single message has
// failed limit times in a row on one handler. Successful handling of the
// message resets its count. This is how a poison message is made visible to a
// process supervisor. Counts are kept for a bounded number of messages and
// forgotten after an hour without failures.
func EscalateAfter(limit int, escalate func(ctx DeliveryContext, err error)) DeliveryHooks {
	tracker := newFailureTracker(failureTrackerSize, failureTrackerTTL)
	return DeliveryHooks{
		OnDeliveryDone: func(ctx DeliveryContext) {
			tracker.reset(ctx.HandlerName, ctx.MessageID)
		},
		OnDeliveryError: func(ctx DeliveryContext, err error) {
			if ctx.MessageID == "" {
				return
			}
			if tracker.fail(ctx.HandlerName, ctx.MessageID) >= limit {
				escalate(ctx, err)
			}
		},
	}
}
