// Package rabbitmq connects the runtime to a RabbitMQ broker. The connection
// is managed by watermill-amqp, which re-dials in the background after
// network failures.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/ramqp/transport"
)

// TransportName is the name used to register this broker.
const TransportName = "rabbitmq"

// ErrNotConnected is returned when a channel is requested while the
// connection is down.
var ErrNotConnected = errors.New("rabbitmq: not connected")

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

func init() {
	Register()
}

// Register registers the RabbitMQ broker with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// Build dials RabbitMQ using the URL from cfg.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Connection, error) {
	url, err := cfg.AMQPURL()
	if err != nil {
		return nil, err
	}

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   url,
		TLSConfig: nil,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: connect: %w", err)
	}

	return &Connection{inner: conn}, nil
}

// Capabilities returns the capabilities of this broker.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}

type wrapper interface {
	AmqpConnection() *amqp091.Connection
	IsConnected() bool
	Close() error
}

// Connection adapts a watermill-amqp ConnectionWrapper to transport.Connection.
// Channels are opened on whatever underlying connection is current.
type Connection struct {
	inner wrapper
}

var _ transport.Connection = (*Connection)(nil)

func (c *Connection) current() (*amqp091.Connection, error) {
	if !c.inner.IsConnected() {
		return nil, ErrNotConnected
	}
	conn := c.inner.AmqpConnection()
	if conn == nil {
		return nil, ErrNotConnected
	}
	return conn, nil
}

func (c *Connection) Channel() (transport.Channel, error) {
	conn, err := c.current()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// NotifyClose registers receiver on the current underlying connection. The
// receiver is closed straight away when there is none.
func (c *Connection) NotifyClose(receiver chan *amqp091.Error) chan *amqp091.Error {
	conn, err := c.current()
	if err != nil {
		close(receiver)
		return receiver
	}
	return conn.NotifyClose(receiver)
}

func (c *Connection) IsClosed() bool {
	return !c.inner.IsConnected()
}

func (c *Connection) Close() error {
	return c.inner.Close()
}
