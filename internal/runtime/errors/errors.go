package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfigRequired       = sterrors.New("ramqp: configuration is required")
	ErrLoggerRequired       = sterrors.New("ramqp: logger is required")
	ErrHandlerRequired      = sterrors.New("ramqp: handler function is required")
	ErrRoutingKeyRequired   = sterrors.New("ramqp: routing key is required")
	ErrQueuePrefixRequired  = sterrors.New("ramqp: queue prefix is required when handlers are registered")
	ErrDuplicateHandlerName = sterrors.New("ramqp: handler names must be unique")
	ErrRegisterAfterStart   = sterrors.New("ramqp: cannot register handlers after Start has been called")
	ErrAlreadyStarted       = sterrors.New("ramqp: system is already started")
	ErrNotStarted           = sterrors.New("ramqp: must call Start before publishing messages")
	ErrRoutingKeyMissing    = sterrors.New("ramqp: message has no routing key")
	ErrContextKeyMissing    = sterrors.New("ramqp: context key not found")
	ErrPayloadInvalid       = sterrors.New("ramqp: payload is invalid")
	ErrUnknownTransport     = sterrors.New("ramqp: unknown transport")
)

// ConfigValidationError marks a configuration problem detected at Register or Start.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("ramqp: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
