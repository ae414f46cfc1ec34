// Package memory is an in-process AMQP 0-9-1 broker for tests and local runs.
//
// It models the parts of RabbitMQ the runtime relies on: durable topic and
// direct exchanges, quorum and classic queues with argument equivalence
// checks, delete-if-empty, per-consumer prefetch, requeue with the
// Redelivered flag, and channel-closing errors with the broker's reply codes.
// Deliveries are ordinary amqp091 Delivery values, so code under test cannot
// tell it from a real connection.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/ramqp/transport"
)

// TransportName is the name used to register this broker.
const TransportName = "memory"

// Default is the broker behind the registered "memory" transport.
var Default = NewBroker()

func init() {
	transport.RegisterWithCapabilities(TransportName, Default.Build, transport.MemoryCapabilities)
}

// Binding is a queue binding as seen by QueueInfo.
type Binding struct {
	Exchange   string
	RoutingKey string
}

// QueueInfo is a snapshot of one queue.
type QueueInfo struct {
	Name         string
	Type         string
	Durable      bool
	Ready        int
	Unacked      int
	Consumers    int
	DeadLettered int
	Bindings     []Binding
}

type message struct {
	exchange    string
	routingKey  string
	publishing  amqp.Publishing
	redelivered bool
}

type queue struct {
	name         string
	queueType    string
	durable      bool
	autoDelete   bool
	ready        []*message
	unacked      int
	consumers    []*consumer
	deadLettered int
}

type binding struct {
	queue    string
	exchange string
	key      string
}

// Broker holds exchanges, queues and bindings shared by all connections.
type Broker struct {
	mu   sync.Mutex
	cond *sync.Cond

	exchanges map[string]string
	queues    map[string]*queue
	bindings  []binding
	conns     map[*Connection]struct{}
	calls     map[string]int
	seq       int
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	b := &Broker{
		exchanges: map[string]string{"": amqp.ExchangeDirect},
		queues:    map[string]*queue{},
		conns:     map[*Connection]struct{}{},
		calls:     map[string]int{},
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Build satisfies transport.Builder.
func (b *Broker) Build(_ context.Context, _ transport.Config, _ watermill.LoggerAdapter) (transport.Connection, error) {
	return b.Connect(), nil
}

// Connect opens a new connection.
func (b *Broker) Connect() *Connection {
	c := &Connection{broker: b, channels: map[*Channel]struct{}{}}
	b.mu.Lock()
	b.conns[c] = struct{}{}
	b.mu.Unlock()
	return c
}

// Disconnect force-closes every connection with CONNECTION_FORCED, the way a
// broker restart would.
func (b *Broker) Disconnect(reason string) {
	b.mu.Lock()
	conns := make([]*Connection, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - " + reason, Server: true})
	}
}

// Calls returns how often an AMQP method such as "queue.bind" was invoked
// successfully.
func (b *Broker) Calls(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[method]
}

// Queues returns the declared queue names in sorted order.
func (b *Broker) Queues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ExchangeKind returns the kind of a declared exchange.
func (b *Broker) ExchangeKind(name string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kind, ok := b.exchanges[name]
	return kind, ok
}

// QueueInfo returns a snapshot of the named queue.
func (b *Broker) QueueInfo(name string) (QueueInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return QueueInfo{}, false
	}
	info := QueueInfo{
		Name:         q.name,
		Type:         q.queueType,
		Durable:      q.durable,
		Ready:        len(q.ready),
		Unacked:      q.unacked,
		Consumers:    len(q.consumers),
		DeadLettered: q.deadLettered,
	}
	for _, bd := range b.bindings {
		if bd.queue == name {
			info.Bindings = append(info.Bindings, Binding{Exchange: bd.exchange, RoutingKey: bd.key})
		}
	}
	return info, true
}

func channelError(code int, format string, args ...any) *amqp.Error {
	return &amqp.Error{Code: code, Reason: fmt.Sprintf(format, args...), Server: true}
}

func queueType(args amqp.Table) string {
	if v, ok := args[transport.QueueTypeArgument].(string); ok && v != "" {
		return v
	}
	return transport.QueueTypeClassic
}

// The helpers below expect b.mu to be held.

func (b *Broker) declareQueue(name string, durable, autoDelete bool, args amqp.Table, passive bool) (amqp.Queue, *amqp.Error) {
	if name == "" {
		if passive {
			return amqp.Queue{}, channelError(amqp.NotFound, "NOT_FOUND - no queue ''")
		}
		b.seq++
		name = fmt.Sprintf("amq.gen-%d", b.seq)
	}

	q, exists := b.queues[name]
	if passive {
		if !exists {
			return amqp.Queue{}, channelError(amqp.NotFound, "NOT_FOUND - no queue '%s' in vhost '/'", name)
		}
		return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
	}

	wanted := queueType(args)
	if wanted == transport.QueueTypeQuorum && !durable {
		return amqp.Queue{}, channelError(amqp.PreconditionFailed, "PRECONDITION_FAILED - invalid property 'non-durable' for queue '%s' in vhost '/'", name)
	}

	if exists {
		if q.queueType != wanted {
			return amqp.Queue{}, channelError(amqp.PreconditionFailed,
				"PRECONDITION_FAILED - inequivalent arg 'x-queue-type' for queue '%s' in vhost '/': received '%s' but current is '%s'",
				name, wanted, q.queueType)
		}
		if q.durable != durable {
			return amqp.Queue{}, channelError(amqp.PreconditionFailed,
				"PRECONDITION_FAILED - inequivalent arg 'durable' for queue '%s' in vhost '/': received '%t' but current is '%t'",
				name, durable, q.durable)
		}
		return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
	}

	b.queues[name] = &queue{name: name, queueType: wanted, durable: durable, autoDelete: autoDelete}
	return amqp.Queue{Name: name}, nil
}

func (b *Broker) deleteQueue(name string, ifUnused, ifEmpty bool) (int, *amqp.Error) {
	q, ok := b.queues[name]
	if !ok {
		return 0, nil
	}
	if ifEmpty && (len(q.ready) > 0 || q.unacked > 0) {
		return 0, channelError(amqp.PreconditionFailed, "PRECONDITION_FAILED - queue '%s' in vhost '/' is not empty", name)
	}
	if ifUnused && len(q.consumers) > 0 {
		return 0, channelError(amqp.PreconditionFailed, "PRECONDITION_FAILED - queue '%s' in vhost '/' in use", name)
	}

	purged := len(q.ready)
	for _, cons := range q.consumers {
		cons.stop()
	}
	q.consumers = nil
	q.ready = nil
	delete(b.queues, name)
	b.bindings = slices.DeleteFunc(b.bindings, func(bd binding) bool { return bd.queue == name })
	b.cond.Broadcast()
	return purged, nil
}

func (b *Broker) bind(name, key, exchange string) *amqp.Error {
	if _, ok := b.queues[name]; !ok {
		return channelError(amqp.NotFound, "NOT_FOUND - no queue '%s' in vhost '/'", name)
	}
	if exchange == "" {
		return channelError(amqp.AccessRefused, "ACCESS_REFUSED - operation not permitted on the default exchange")
	}
	if _, ok := b.exchanges[exchange]; !ok {
		return channelError(amqp.NotFound, "NOT_FOUND - no exchange '%s' in vhost '/'", exchange)
	}
	bd := binding{queue: name, exchange: exchange, key: key}
	if !slices.Contains(b.bindings, bd) {
		b.bindings = append(b.bindings, bd)
	}
	return nil
}

func (b *Broker) declareExchange(name, kind string) *amqp.Error {
	switch kind {
	case amqp.ExchangeTopic, amqp.ExchangeDirect, amqp.ExchangeFanout:
	default:
		return channelError(amqp.CommandInvalid, "COMMAND_INVALID - invalid exchange type '%s'", kind)
	}
	if existing, ok := b.exchanges[name]; ok {
		if existing != kind {
			return channelError(amqp.PreconditionFailed,
				"PRECONDITION_FAILED - inequivalent arg 'type' for exchange '%s' in vhost '/': received '%s' but current is '%s'",
				name, kind, existing)
		}
		return nil
	}
	b.exchanges[name] = kind
	return nil
}

func (b *Broker) route(exchange, key string, msg amqp.Publishing) *amqp.Error {
	kind, ok := b.exchanges[exchange]
	if !ok {
		return channelError(amqp.NotFound, "NOT_FOUND - no exchange '%s' in vhost '/'", exchange)
	}

	var targets []string
	if exchange == "" {
		if _, ok := b.queues[key]; ok {
			targets = append(targets, key)
		}
	} else {
		for _, bd := range b.bindings {
			if bd.exchange != exchange || slices.Contains(targets, bd.queue) {
				continue
			}
			if routes(kind, bd.key, key) {
				targets = append(targets, bd.queue)
			}
		}
	}

	for _, name := range targets {
		q := b.queues[name]
		body := slices.Clone(msg.Body)
		pub := msg
		pub.Body = body
		q.ready = append(q.ready, &message{exchange: exchange, routingKey: key, publishing: pub})
	}
	if len(targets) > 0 {
		b.cond.Broadcast()
	}
	return nil
}

func routes(kind, pattern, key string) bool {
	switch kind {
	case amqp.ExchangeFanout:
		return true
	case amqp.ExchangeTopic:
		return matchTopic(pattern, key)
	default:
		return pattern == key
	}
}

// requeue hands messages back to their queue in the given order. Quorum
// queues put them at the back, classic queues at the front.
func (b *Broker) requeue(queueName string, msgs []*message) {
	q, ok := b.queues[queueName]
	if !ok {
		return
	}
	for _, msg := range msgs {
		msg.redelivered = true
	}
	if q.queueType == transport.QueueTypeQuorum {
		q.ready = append(q.ready, msgs...)
	} else {
		q.ready = append(slices.Clone(msgs), q.ready...)
	}
	b.cond.Broadcast()
}
