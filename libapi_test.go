package ramqp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	_ "github.com/drblury/ramqp/transport/transports"
)

func TestSystemExportsWork(t *testing.T) {
	sys, err := NewSystem(&Config{Transport: "memory", QueuePrefix: "libapi"}, NewNopLogger(),
		WithObserver(NewMetricsRecorder()), WithContext(map[string]any{"greeting": "hello"}))
	require.NoError(t, err)

	greeting := FromContext[string]("greeting")
	got := make(chan string, 1)
	sys.Router().MustRegister("libapi.test", NewNamedHandler("libapi_greeter", func(_ context.Context, s *Scope) error {
		got <- greeting.Get(s) + " " + RoutingKey.Get(s)
		return nil
	}, greeting, RoutingKey))

	_, err = NewSystem(nil, NewNopLogger())
	assert.ErrorIs(t, err, ErrConfigRequired)

	require.NoError(t, sys.Run(context.Background(), func(ctx context.Context) error {
		if err := sys.Publish(ctx, "libapi.test", map[string]string{}); err != nil {
			return err
		}
		select {
		case msg := <-got:
			assert.Equal(t, "hello libapi.test", msg)
		case <-time.After(2 * time.Second):
			t.Error("message not delivered")
		}
		return nil
	}))
}

func TestProviderExports(t *testing.T) {
	p := NewProvider("constant", func(context.Context, *Scope) (int, error) { return 42, nil })
	assert.Equal(t, "constant", p.Name())
	assert.NotNil(t, Payload[map[string]any]())
	assert.NotNil(t, ProtoPayload[*structpb.Struct]())
}

func TestDispositionExports(t *testing.T) {
	assert.Equal(t, Rejected, Classify(Reject("no")))
	assert.Equal(t, Requeued, Classify(Requeue("later")))
	assert.Equal(t, Completed, Classify(Acknowledge("done")))
	assert.Equal(t, Failed, Classify(errors.New("boom")))
	assert.ErrorIs(t, Reject("no"), ErrReject)
}

func TestMOExports(t *testing.T) {
	key, err := NewMORoutingKey(ServiceEmployee, ObjectAddress, RequestCreate)
	require.NoError(t, err)
	parsed, err := ParseMORoutingKey("employee.address.create")
	require.NoError(t, err)
	assert.Equal(t, key, parsed)

	_, err = ParseMORoutingKey("employee.address")
	assert.ErrorIs(t, err, ErrInvalidMORoutingKey)
}

func TestMessageIDExports(t *testing.T) {
	before := time.Now().Add(-time.Second)
	id := NewMessageID()
	at, ok := MessageTime(id)
	require.True(t, ok)
	assert.True(t, at.After(before))

	b, err := Marshal(map[string]string{"hello": "world"})
	require.NoError(t, err)
	var out map[string]string
	require.NoError(t, Unmarshal(b, &out))
	assert.Equal(t, "world", out["hello"])
}
