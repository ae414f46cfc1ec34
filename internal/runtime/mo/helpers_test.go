package mo

import amqp091 "github.com/rabbitmq/amqp091-go"

type nopAcknowledger struct{}

func (nopAcknowledger) Ack(uint64, bool) error        { return nil }
func (nopAcknowledger) Nack(uint64, bool, bool) error { return nil }
func (nopAcknowledger) Reject(uint64, bool) error     { return nil }

func delivery(routingKey string, body []byte) amqp091.Delivery {
	return amqp091.Delivery{Acknowledger: nopAcknowledger{}, RoutingKey: routingKey, Body: body, MessageId: "m"}
}
