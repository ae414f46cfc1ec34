// Package transport defines the broker surface the runtime talks to and the
// registry broker implementations register themselves with. Each
// implementation lives in its own sub-package.
package transport

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Queue type arguments understood by RabbitMQ and the in-memory broker.
const (
	QueueTypeArgument = "x-queue-type"
	QueueTypeQuorum   = "quorum"
	QueueTypeClassic  = "classic"
)

// Channel is the subset of an AMQP 0-9-1 channel the runtime uses.
// *amqp091.Channel satisfies it as is.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	ConsumeWithContext(ctx context.Context, queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Connection is a live broker connection that hands out channels.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Builder dials a broker from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Connection, error)

// Config provides the values brokers need without depending on the full
// config package.
type Config interface {
	// GetTransport returns the registered broker name.
	GetTransport() string
	// AMQPURL returns the connection URL.
	AMQPURL() (string, error)
}

// QueueArgs returns the declare arguments for the given queue type.
func QueueArgs(queueType string) amqp.Table {
	return amqp.Table{QueueTypeArgument: queueType}
}

// IsPreconditionFailed reports whether err is a PRECONDITION_FAILED channel
// error, which brokers raise when a queue is redeclared with different
// arguments or deleted with if-empty while holding messages. The channel that
// returned it is closed by the broker.
func IsPreconditionFailed(err error) bool {
	var amqpErr *amqp.Error
	return errors.As(err, &amqpErr) && amqpErr.Code == amqp.PreconditionFailed
}

// IsNotFound reports whether err is a NOT_FOUND channel error.
func IsNotFound(err error) bool {
	var amqpErr *amqp.Error
	return errors.As(err, &amqpErr) && amqpErr.Code == amqp.NotFound
}
