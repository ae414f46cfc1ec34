package depends

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/ramqp/internal/runtime/disposition"
	"github.com/drblury/ramqp/internal/runtime/exclusive"
	loggingpkg "github.com/drblury/ramqp/internal/runtime/logging"
	"github.com/drblury/ramqp/internal/runtime/ratelimit"
)

// Gate is a provider that yields no value; resolving it is the effect.
type Gate = Provider[struct{}]

// Exclusive holds the lock for the key computed by key until the handler
// returns. key may read any provider listed in requires. A nil manager gets a
// private one, so only handlers sharing this gate exclude each other.
func Exclusive(manager *exclusive.Manager, key func(s *Scope) (any, error), requires ...Dependency) *Gate {
	if manager == nil {
		manager = exclusive.NewManager()
	}
	return NewProvider("exclusive", func(ctx context.Context, s *Scope) (struct{}, error) {
		k, err := key(s)
		if err != nil {
			return struct{}{}, err
		}
		release, err := manager.Acquire(ctx, k)
		if err != nil {
			return struct{}{}, err
		}
		s.Defer(func(error) { release() })
		return struct{}{}, nil
	}, requires...)
}

// ExclusiveByRoutingKey serialises deliveries that share a routing key.
func ExclusiveByRoutingKey(manager *exclusive.Manager) *Gate {
	return Exclusive(manager, func(s *Scope) (any, error) {
		return RoutingKey.Get(s), nil
	}, RoutingKey)
}

// RateLimit delays a repeated delivery of the same message to the same
// handler until delay has passed since the previous one was let through.
// Messages are identified by their message-id, or by their routing key and
// body when they were published without one.
func RateLimit(delay time.Duration) *Gate {
	return RateLimitWith(ratelimit.New(delay))
}

// RateLimitWith is RateLimit backed by an existing limiter.
func RateLimitWith(limiter *ratelimit.Limiter) *Gate {
	return NewProvider("rate_limit", func(ctx context.Context, s *Scope) (struct{}, error) {
		key := ratelimit.Key{MessageID: messageIdentity(Message.Get(s)), Handler: s.Handler}
		return struct{}{}, limiter.Wait(ctx, key)
	}, Message)
}

// messageIdentity is stable across redeliveries of one message. The
// message-id property is optional in AMQP, so without it the routing key and
// body are digested instead.
func messageIdentity(d *amqp.Delivery) string {
	if d.MessageId != "" {
		return d.MessageId
	}
	h := xxhash.New()
	_, _ = h.WriteString(d.RoutingKey)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(d.Body)
	return "digest:" + strconv.FormatUint(h.Sum64(), 16)
}

// sleep is swapped in tests.
var sleep = func(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// SleepOnError waits delay after the handler fails, before the delivery is
// settled, so a failing message is not redelivered in a tight loop. An
// early acknowledgement is not a failure.
func SleepOnError(delay time.Duration) *Gate {
	return NewProvider("sleep_on_error", func(ctx context.Context, s *Scope) (struct{}, error) {
		s.Defer(func(err error) {
			if err == nil || errors.Is(err, disposition.ErrAcknowledge) {
				return
			}
			s.Logger.Debug("Sleeping after handler error", loggingpkg.LogFields{"delay": delay.String(), "function": s.Handler})
			sleep(ctx, delay)
		})
		return struct{}{}, nil
	})
}
