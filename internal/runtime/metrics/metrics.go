// Package metrics defines the observability sink the runtime reports to, a
// Prometheus implementation and a no-op default.
package metrics

import "time"

// Observer receives runtime events. Implementations must be safe for
// concurrent use.
type Observer interface {
	// CallbackRegistered is called on every Register call, including repeats.
	CallbackRegistered(routingKey string)
	// RouteBound is called once per queue binding.
	RouteBound(handler string)
	// ReceiveStarted marks the start of a callback invocation. The returned
	// function is called once with the error that ended it (nil on success).
	ReceiveStarted(routingKey, handler string) func(err error)
	// PublishStarted marks the start of a publish, finished like ReceiveStarted.
	PublishStarted(routingKey string) func(err error)
	// ConnectionEvent reports connection or channel state changes such as
	// "connection_closed".
	ConnectionEvent(event string)
	// Periodic is called on every tick of the periodic task.
	Periodic(at time.Time)
	// Backlog reports the number of ready messages in a handler's queue.
	Backlog(handler string, messages int)
}

// Nop discards everything.
type Nop struct{}

var _ Observer = Nop{}

func (Nop) CallbackRegistered(string) {}
func (Nop) RouteBound(string) {}
func (Nop) ReceiveStarted(string, string) func(error) { return func(error) {} }
func (Nop) PublishStarted(string) func(error) { return func(error) {} }
func (Nop) ConnectionEvent(string) {}
func (Nop) Periodic(time.Time) {}
func (Nop) Backlog(string, int) {}
