package memory

import (
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/ramqp/transport"
)

// Connection is a connection to a Broker.
type Connection struct {
	broker *Broker

	mu        sync.Mutex
	closed    bool
	channels  map[*Channel]struct{}
	notifiers []chan *amqp.Error
}

var _ transport.Connection = (*Connection)(nil)

func (c *Connection) Channel() (transport.Channel, error) {
	return c.OpenChannel()
}

// OpenChannel is Channel with the concrete return type.
func (c *Connection) OpenChannel() (*Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{
		broker:    c.broker,
		conn:      c,
		unacked:   map[uint64]*pending{},
		consumers: map[string]*consumer{},
	}
	c.channels[ch] = struct{}{}
	return ch, nil
}

func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notifiers = append(c.notifiers, receiver)
	return receiver
}

func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) Close() error {
	if c.IsClosed() {
		return amqp.ErrClosed
	}
	c.shutdown(nil)
	return nil
}

func (c *Connection) shutdown(cause *amqp.Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	channels := make([]*Channel, 0, len(c.channels))
	for ch := range c.channels {
		channels = append(channels, ch)
	}
	notifiers := c.notifiers
	c.notifiers = nil
	c.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown(cause)
	}

	c.broker.mu.Lock()
	delete(c.broker.conns, c)
	c.broker.mu.Unlock()

	notify(notifiers, cause)
}

func (c *Connection) forget(ch *Channel) {
	c.mu.Lock()
	delete(c.channels, ch)
	c.mu.Unlock()
}

// notify follows amqp091: listeners get the error if there is one, then their
// channel is closed.
func notify(listeners []chan *amqp.Error, cause *amqp.Error) {
	for _, l := range listeners {
		if cause != nil {
			select {
			case l <- cause:
			default:
			}
		}
		close(l)
	}
}
