// Package disposition holds the signals a callback returns to steer what
// happens to its message, and the classifier the delivery pipeline uses to
// turn a callback result into an acknowledgement decision.
package disposition

import (
	"errors"
	"fmt"
)

var (
	// ErrReject rejects the message without requeueing it. The broker
	// dead-letters it when a dead-letter exchange is configured and drops it
	// otherwise.
	ErrReject = errors.New("ramqp: reject message")

	// ErrAcknowledge acknowledges the message immediately.
	ErrAcknowledge = errors.New("ramqp: acknowledge message")

	// ErrRequeue rejects the message with requeue so it is delivered again.
	ErrRequeue = errors.New("ramqp: requeue message")
)

// Signal is a disposition carrying a human readable reason.
type Signal struct {
	kind   error
	Reason string
}

func (s *Signal) Error() string {
	if s.Reason == "" {
		return s.kind.Error()
	}
	return fmt.Sprintf("%s: %s", s.kind.Error(), s.Reason)
}

// Is reports whether target is the sentinel this signal stands for.
func (s *Signal) Is(target error) bool {
	return target == s.kind
}

// Reject returns a signal that rejects the message without requeue.
//
// Example:
//
//	if payload.UUID == uuid.Nil {
//		return disposition.Reject("payload without uuid")
//	}
func Reject(reason string) error {
	return &Signal{kind: ErrReject, Reason: reason}
}

// Acknowledge returns a signal that ends processing and acknowledges the
// message.
func Acknowledge(reason string) error {
	return &Signal{kind: ErrAcknowledge, Reason: reason}
}

// Requeue returns a signal that puts the message back on the queue.
func Requeue(reason string) error {
	return &Signal{kind: ErrRequeue, Reason: reason}
}

// Outcome is the terminal state of one delivery attempt.
type Outcome int

const (
	// Completed means the message is acknowledged.
	Completed Outcome = iota
	// Rejected means the message is rejected without requeue.
	Rejected
	// Requeued means the message is rejected with requeue on request.
	Requeued
	// Failed means the callback returned an unexpected error. The message is
	// requeued and the error is reported.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case Rejected:
		return "rejected"
	case Requeued:
		return "requeued"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Classify maps a callback result onto an Outcome. Signals are checked in a
// fixed order (reject, acknowledge, requeue) so an error carrying several of
// them resolves deterministically.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return Completed
	case errors.Is(err, ErrReject):
		return Rejected
	case errors.Is(err, ErrAcknowledge):
		return Completed
	case errors.Is(err, ErrRequeue):
		return Requeued
	default:
		return Failed
	}
}

// Redeliver reports whether the outcome hands the message back to the broker.
func (o Outcome) Redeliver() bool {
	return o == Requeued || o == Failed
}
