package memory

import (
	"context"
	"fmt"
	"slices"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/ramqp/transport"
)

type consumer struct {
	tag       string
	queue     string
	autoAck   bool
	prefetch  int
	inflight  int
	cancelled bool
	done      chan struct{}
}

// stop marks the consumer cancelled and wakes its dispatcher. b.mu must be
// held.
func (c *consumer) stop() {
	if c.cancelled {
		return
	}
	c.cancelled = true
	close(c.done)
}

type pending struct {
	queue    string
	consumer *consumer
	msg      *message
}

// Channel is an AMQP channel on a memory Connection. Any channel-level error
// closes it, as on a real broker.
type Channel struct {
	broker *Broker
	conn   *Connection

	// Guarded by broker.mu.
	closed    bool
	prefetch  int
	nextTag   uint64
	nextCons  int
	unacked   map[uint64]*pending
	consumers map[string]*consumer
	notifiers []chan *amqp.Error
}

var (
	_ transport.Channel = (*Channel)(nil)
	_ amqp.Acknowledger = (*Channel)(nil)
)

// fail closes the channel with err and returns it. b.mu must not be held.
func (ch *Channel) fail(err *amqp.Error) error {
	ch.shutdown(err)
	return err
}

// do runs fn under the broker lock, failing the channel when fn returns a
// channel error.
func (ch *Channel) do(method string, fn func() *amqp.Error) error {
	b := ch.broker
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return amqp.ErrClosed
	}
	if err := fn(); err != nil {
		b.mu.Unlock()
		return ch.fail(err)
	}
	b.calls[method]++
	b.mu.Unlock()
	return nil
}

func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return ch.do("basic.qos", func() *amqp.Error {
		ch.prefetch = prefetchCount
		return nil
	})
}

func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return ch.do("exchange.declare", func() *amqp.Error {
		return ch.broker.declareExchange(name, kind)
	})
}

func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	var q amqp.Queue
	err := ch.do("queue.declare", func() *amqp.Error {
		var declErr *amqp.Error
		q, declErr = ch.broker.declareQueue(name, durable, autoDelete, args, false)
		return declErr
	})
	return q, err
}

func (ch *Channel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	var q amqp.Queue
	err := ch.do("queue.declare_passive", func() *amqp.Error {
		var declErr *amqp.Error
		q, declErr = ch.broker.declareQueue(name, durable, autoDelete, args, true)
		return declErr
	})
	return q, err
}

func (ch *Channel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	var purged int
	err := ch.do("queue.delete", func() *amqp.Error {
		var delErr *amqp.Error
		purged, delErr = ch.broker.deleteQueue(name, ifUnused, ifEmpty)
		return delErr
	})
	return purged, err
}

func (ch *Channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return ch.do("queue.bind", func() *amqp.Error {
		return ch.broker.bind(name, key, exchange)
	})
}

func (ch *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return ch.do("basic.publish", func() *amqp.Error {
		return ch.broker.route(exchange, key, msg)
	})
}

// ConsumeWithContext starts a consumer. The delivery channel is closed when
// ctx is done, the channel closes, or the queue is deleted.
func (ch *Channel) ConsumeWithContext(ctx context.Context, queueName, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	var cons *consumer
	err := ch.do("basic.consume", func() *amqp.Error {
		q, ok := ch.broker.queues[queueName]
		if !ok {
			return channelError(amqp.NotFound, "NOT_FOUND - no queue '%s' in vhost '/'", queueName)
		}
		if tag == "" {
			ch.nextCons++
			tag = fmt.Sprintf("ctag-%p-%d", ch, ch.nextCons)
		}
		if _, dup := ch.consumers[tag]; dup {
			return channelError(amqp.NotAllowed, "NOT_ALLOWED - attempt to reuse consumer tag '%s'", tag)
		}
		cons = &consumer{tag: tag, queue: queueName, autoAck: autoAck, prefetch: ch.prefetch, done: make(chan struct{})}
		ch.consumers[tag] = cons
		q.consumers = append(q.consumers, cons)
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make(chan amqp.Delivery)
	go func() {
		select {
		case <-ctx.Done():
			b := ch.broker
			b.mu.Lock()
			cons.stop()
			b.cond.Broadcast()
			b.mu.Unlock()
		case <-cons.done:
		}
	}()
	go ch.dispatch(cons, out)
	return out, nil
}

func (ch *Channel) dispatch(cons *consumer, out chan<- amqp.Delivery) {
	b := ch.broker
	defer close(out)

	for {
		b.mu.Lock()
		var q *queue
		for {
			q = b.queues[cons.queue]
			if ch.closed || cons.cancelled || q == nil {
				cons.stop()
				ch.detach(cons, q)
				b.mu.Unlock()
				return
			}
			if len(q.ready) > 0 && (cons.autoAck || cons.prefetch <= 0 || cons.inflight < cons.prefetch) {
				break
			}
			b.cond.Wait()
		}

		msg := q.ready[0]
		q.ready = q.ready[1:]
		ch.nextTag++
		tag := ch.nextTag
		if !cons.autoAck {
			cons.inflight++
			q.unacked++
			ch.unacked[tag] = &pending{queue: q.name, consumer: cons, msg: msg}
		}
		delivery := newDelivery(ch, cons.tag, tag, msg)
		b.mu.Unlock()

		select {
		case out <- delivery:
		case <-cons.done:
			// Nobody took it; hand it back unless the channel already did.
			b.mu.Lock()
			if p, ok := ch.unacked[tag]; ok {
				delete(ch.unacked, tag)
				cons.inflight--
				if q, live := b.queues[p.queue]; live {
					q.unacked--
				}
				b.requeue(p.queue, []*message{p.msg})
			}
			ch.detach(cons, b.queues[cons.queue])
			b.mu.Unlock()
			return
		}
	}
}

// detach removes a consumer from its queue. b.mu must be held.
func (ch *Channel) detach(cons *consumer, q *queue) {
	delete(ch.consumers, cons.tag)
	if q == nil {
		return
	}
	for i, c := range q.consumers {
		if c == cons {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
}

func newDelivery(ch *Channel, consumerTag string, tag uint64, msg *message) amqp.Delivery {
	p := msg.publishing
	return amqp.Delivery{
		Acknowledger:    ch,
		Headers:         p.Headers,
		ContentType:     p.ContentType,
		ContentEncoding: p.ContentEncoding,
		DeliveryMode:    p.DeliveryMode,
		Priority:        p.Priority,
		CorrelationId:   p.CorrelationId,
		ReplyTo:         p.ReplyTo,
		Expiration:      p.Expiration,
		MessageId:       p.MessageId,
		Timestamp:       p.Timestamp,
		Type:            p.Type,
		UserId:          p.UserId,
		AppId:           p.AppId,
		ConsumerTag:     consumerTag,
		DeliveryTag:     tag,
		Redelivered:     msg.redelivered,
		Exchange:        msg.exchange,
		RoutingKey:      msg.routingKey,
		Body:            p.Body,
	}
}

// settle resolves delivery tags. multiple settles every outstanding tag up to
// and including tag.
func (ch *Channel) settle(method string, tag uint64, multiple, requeue bool) error {
	b := ch.broker
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return amqp.ErrClosed
	}

	var tags []uint64
	if multiple {
		for t := range ch.unacked {
			if t <= tag {
				tags = append(tags, t)
			}
		}
	} else if _, ok := ch.unacked[tag]; ok {
		tags = []uint64{tag}
	}
	if len(tags) == 0 {
		b.mu.Unlock()
		return ch.fail(channelError(amqp.PreconditionFailed, "PRECONDITION_FAILED - unknown delivery tag %d", tag))
	}

	slices.Sort(tags)
	byQueue := map[string][]*message{}
	var order []string
	for _, t := range tags {
		p := ch.unacked[t]
		delete(ch.unacked, t)
		p.consumer.inflight--
		q, live := b.queues[p.queue]
		if live {
			q.unacked--
		}
		switch {
		case requeue:
			if _, seen := byQueue[p.queue]; !seen {
				order = append(order, p.queue)
			}
			byQueue[p.queue] = append(byQueue[p.queue], p.msg)
		case method != "basic.ack" && live:
			q.deadLettered++
		}
	}
	for _, name := range order {
		b.requeue(name, byQueue[name])
	}
	b.calls[method]++
	b.cond.Broadcast()
	b.mu.Unlock()
	return nil
}

func (ch *Channel) Ack(tag uint64, multiple bool) error {
	return ch.settle("basic.ack", tag, multiple, false)
}

func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	return ch.settle("basic.nack", tag, multiple, requeue)
}

func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.settle("basic.reject", tag, false, requeue)
}

func (ch *Channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.notifiers = append(ch.notifiers, receiver)
	return receiver
}

func (ch *Channel) IsClosed() bool {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	return ch.closed
}

func (ch *Channel) Close() error {
	if ch.IsClosed() {
		return amqp.ErrClosed
	}
	ch.shutdown(nil)
	return nil
}

// shutdown closes the channel, requeues everything it had not settled and
// stops its consumers.
func (ch *Channel) shutdown(cause *amqp.Error) {
	b := ch.broker
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return
	}
	ch.closed = true

	tags := make([]uint64, 0, len(ch.unacked))
	for t := range ch.unacked {
		tags = append(tags, t)
	}
	slices.Sort(tags)
	byQueue := map[string][]*message{}
	var order []string
	for _, t := range tags {
		p := ch.unacked[t]
		if q, ok := b.queues[p.queue]; ok {
			q.unacked--
		}
		if _, seen := byQueue[p.queue]; !seen {
			order = append(order, p.queue)
		}
		byQueue[p.queue] = append(byQueue[p.queue], p.msg)
	}
	for _, name := range order {
		b.requeue(name, byQueue[name])
	}
	ch.unacked = map[uint64]*pending{}
	for _, cons := range ch.consumers {
		cons.stop()
	}
	notifiers := ch.notifiers
	ch.notifiers = nil
	b.cond.Broadcast()
	b.mu.Unlock()

	ch.conn.forget(ch)
	notify(notifiers, cause)
}
