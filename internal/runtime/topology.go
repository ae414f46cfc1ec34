package runtime

import (
	"context"
	"fmt"

	amqp091 "github.com/rabbitmq/amqp091-go"

	loggingpkg "github.com/drblury/ramqp/internal/runtime/logging"
	transportpkg "github.com/drblury/ramqp/transport"
)

// QueueName returns the queue a handler consumes from.
func QueueName(prefix string, h *Handler) string {
	return prefix + "_" + h.displayName()
}

func (s *System) bringUpQueue(ctx context.Context, conn transportpkg.Connection, ch transportpkg.Channel, caps transportpkg.Capabilities, h *Handler) error {
	queue := QueueName(s.Conf.QueuePrefix, h)
	log := s.Logger.With(loggingpkg.LogFields{"queue": queue, "function": h.Name})

	log.Info("Declaring unique message queue", nil)
	queueType, err := declareQueue(log, conn, ch, caps, queue)
	if err != nil {
		return err
	}

	_, stats := s.handlerState(h.Name)
	s.mu.Lock()
	s.queues[h.Name] = queueState{name: queue, queueType: queueType}
	s.mu.Unlock()

	log.Info("Starting message listener", nil)
	deliveries, err := ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("ramqp: consume %q: %w", queue, err)
	}
	s.work.Add(1)
	go s.consume(ctx, h, stats, deliveries)

	log.Info("Binding routing keys", nil)
	for _, key := range s.router.RoutingKeys(h) {
		log.Info("Binding routing-key", loggingpkg.LogFields{"routing_key": key})
		if err := ch.QueueBind(queue, key, s.Conf.Exchange, false, nil); err != nil {
			return fmt.Errorf("ramqp: bind %q to %q: %w", queue, key, err)
		}
		s.observer.RouteBound(h.Name)
	}
	return nil
}

// declareQueue declares a durable queue, as quorum when the broker supports
// it. An existing classic queue is migrated when it is empty and kept
// otherwise, so no message is lost.
func declareQueue(log loggingpkg.ServiceLogger, conn transportpkg.Connection, ch transportpkg.Channel, caps transportpkg.Capabilities, queue string) (string, error) {
	queueType := transportpkg.QueueTypeClassic
	var args amqp091.Table
	if caps.DefaultQueueType() == transportpkg.QueueTypeQuorum {
		quorum, err := ensureQuorum(log, conn, queue)
		if err != nil {
			return "", err
		}
		if quorum {
			queueType = transportpkg.QueueTypeQuorum
			args = transportpkg.QueueArgs(queueType)
		}
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, args); err != nil {
		return "", fmt.Errorf("ramqp: declare queue %q: %w", queue, err)
	}
	return queueType, nil
}

// ensureQuorum reports whether queue is, or can now be declared as, a quorum
// queue. Both checks run on temporary channels because a failed declare or
// delete closes the channel it ran on.
func ensureQuorum(log loggingpkg.ServiceLogger, conn transportpkg.Connection, queue string) (bool, error) {
	err := onTemporaryChannel(conn, func(tmp transportpkg.Channel) error {
		_, err := tmp.QueueDeclare(queue, true, false, false, false, transportpkg.QueueArgs(transportpkg.QueueTypeQuorum))
		return err
	})
	if err == nil {
		return true, nil
	}
	if !transportpkg.IsPreconditionFailed(err) {
		return false, fmt.Errorf("ramqp: declare quorum queue %q: %w", queue, err)
	}

	log.Info("Quorum migration: Deleting existing classic queue", loggingpkg.LogFields{"reason": err.Error()})
	err = onTemporaryChannel(conn, func(tmp transportpkg.Channel) error {
		_, err := tmp.QueueDelete(queue, false, true, false)
		return err
	})
	if err == nil {
		return true, nil
	}
	if transportpkg.IsPreconditionFailed(err) {
		log.Info("Unable to delete queue (probably non-empty)", loggingpkg.LogFields{"reason": err.Error()})
		return false, nil
	}
	return false, fmt.Errorf("ramqp: delete classic queue %q: %w", queue, err)
}

func onTemporaryChannel(conn transportpkg.Connection, fn func(transportpkg.Channel) error) error {
	tmp, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("ramqp: open temporary channel: %w", err)
	}
	defer func() {
		if !tmp.IsClosed() {
			_ = tmp.Close()
		}
	}()
	return fn(tmp)
}

func (s *System) consume(ctx context.Context, h *Handler, stats *HandlerStats, deliveries <-chan amqp091.Delivery) {
	defer s.work.Done()
	for d := range deliveries {
		s.work.Add(1)
		go func() {
			defer s.work.Done()
			_ = s.handle(ctx, h, stats, d)
		}()
	}
}
