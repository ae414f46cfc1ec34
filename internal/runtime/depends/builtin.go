package depends

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	amqp "github.com/rabbitmq/amqp091-go"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/ramqp/internal/runtime/errors"
	"github.com/drblury/ramqp/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/ramqp/internal/runtime/metadata"
)

// Message resolves the raw delivery.
var Message = NewProvider("message", func(_ context.Context, s *Scope) (*amqp.Delivery, error) {
	if s.Delivery == nil {
		return nil, errors.New("no message in scope")
	}
	return s.Delivery, nil
})

// Context resolves the application context handed to the system.
var Context = NewProvider("context", func(_ context.Context, s *Scope) (map[string]any, error) {
	return s.Context, nil
})

// RoutingKey resolves the routing key the message was published with.
var RoutingKey = NewProvider("routing_key", func(_ context.Context, s *Scope) (string, error) {
	d := Message.Get(s)
	if d.RoutingKey == "" {
		return "", errspkg.ErrRoutingKeyMissing
	}
	return d.RoutingKey, nil
}, Message)

// PayloadBytes resolves the raw message body.
var PayloadBytes = NewProvider("payload_bytes", func(_ context.Context, s *Scope) ([]byte, error) {
	return Message.Get(s).Body, nil
}, Message)

// MessageID resolves the AMQP message-id property.
var MessageID = NewProvider("message_id", func(_ context.Context, s *Scope) (string, error) {
	return Message.Get(s).MessageId, nil
}, Message)

// Metadata resolves the message headers as strings.
var Metadata = NewProvider("metadata", func(_ context.Context, s *Scope) (metadatapkg.Metadata, error) {
	return metadatapkg.FromTable(Message.Get(s).Headers), nil
}, Message)

// FromContext resolves field from the application context. It fails with
// ErrContextKeyMissing when the field is absent and when it holds a value
// that is not a T.
func FromContext[T any](field string) *Provider[T] {
	return NewProvider("context."+field, func(_ context.Context, s *Scope) (T, error) {
		var zero T
		raw, ok := Context.Get(s)[field]
		if !ok {
			return zero, fmt.Errorf("%w: %q", errspkg.ErrContextKeyMissing, field)
		}
		v, ok := raw.(T)
		if !ok {
			return zero, fmt.Errorf("%w: %q holds %T, not %T", errspkg.ErrContextKeyMissing, field, raw, zero)
		}
		return v, nil
	}, Context)
}

type validator interface {
	Validate() error
}

// Payload decodes the JSON body into a T. When T (or *T) has a
// Validate() error method it is called on the decoded value. Decoding and
// validation failures wrap ErrPayloadInvalid.
func Payload[T any]() *Provider[T] {
	var zero T
	name := fmt.Sprintf("payload[%T]", zero)
	return NewProvider(name, func(_ context.Context, s *Scope) (T, error) {
		v, err := jsoncodec.DecodeAs[T](PayloadBytes.Get(s))
		if err != nil {
			return zero, fmt.Errorf("%w: %v", errspkg.ErrPayloadInvalid, err)
		}
		if err := validate(&v); err != nil {
			return zero, fmt.Errorf("%w: %v", errspkg.ErrPayloadInvalid, err)
		}
		return v, nil
	}, PayloadBytes)
}

func validate[T any](v *T) error {
	if val, ok := any(v).(validator); ok {
		return val.Validate()
	}
	if val, ok := any(*v).(validator); ok {
		return val.Validate()
	}
	return nil
}

// ProtoPayload decodes the protojson body into a new T, which must be a
// pointer to a generated message type. Unknown fields are ignored.
func ProtoPayload[T proto.Message]() *Provider[T] {
	typ := reflect.TypeFor[T]()
	name := "proto_payload[" + typ.String() + "]"
	return NewProvider(name, func(_ context.Context, s *Scope) (T, error) {
		var zero T
		if typ.Kind() != reflect.Pointer {
			return zero, fmt.Errorf("%w: %s is not a pointer type", errspkg.ErrPayloadInvalid, typ)
		}
		msg, ok := reflect.New(typ.Elem()).Interface().(T)
		if !ok {
			return zero, fmt.Errorf("unexpected prototype type %s", typ)
		}
		opts := protojson.UnmarshalOptions{DiscardUnknown: true}
		if err := opts.Unmarshal(PayloadBytes.Get(s), msg); err != nil {
			return zero, fmt.Errorf("%w: %v", errspkg.ErrPayloadInvalid, err)
		}
		return msg, nil
	}, PayloadBytes)
}
