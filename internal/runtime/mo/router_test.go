package mo

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/ramqp/internal/runtime"
	configpkg "github.com/drblury/ramqp/internal/runtime/config"
	loggingpkg "github.com/drblury/ramqp/internal/runtime/logging"
	transportpkg "github.com/drblury/ramqp/transport"
	"github.com/drblury/ramqp/transport/memory"
)

func newSystem(t *testing.T, opts ...runtime.Option) (*runtime.System, *memory.Broker) {
	t.Helper()
	broker := memory.NewBroker()
	registry := transportpkg.NewRegistry()
	registry.RegisterWithCapabilities(memory.TransportName, broker.Build, transportpkg.MemoryCapabilities)

	conf := &configpkg.Config{Transport: memory.TransportName, QueuePrefix: "mo"}
	s, err := runtime.NewSystem(conf, loggingpkg.NewNopLogger(), append([]runtime.Option{runtime.WithRegistry(registry)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop() })
	return s, broker
}

func addressCreate() RoutingKey {
	return MustRoutingKey(ServiceEmployee, ObjectAddress, RequestCreate)
}

func TestRouterRegister(t *testing.T) {
	s, _ := newSystem(t)
	r := NewRouter(s.Router())
	h := NewNamedHandler("sync", func(context.Context, RoutingKey, Payload, map[string]any) error { return nil })

	require.NoError(t, r.Register(addressCreate(), h))
	require.NoError(t, r.Register(MustRoutingKey(ServiceWildcard, ObjectEngagement, RequestWildcard), h))
	require.NoError(t, r.Register(addressCreate(), h))

	assert.Same(t, r.Adapter(h), r.Adapter(h), "one adapter per handler")
	assert.Equal(t, 1, s.Router().Len())
	assert.Equal(t, map[string][]string{"sync": {"employee.address.create", "*.engagement.*"}}, s.Router().Registry())

	assert.ErrorIs(t, r.Register(RoutingKey{"nope", ObjectAddress, RequestCreate}, h), ErrInvalidRoutingKey)
	assert.Error(t, r.Register(addressCreate(), nil))
	assert.Panics(t, func() { r.MustRegister(addressCreate(), &Handler{Name: "x"}) })
}

func TestRouterDeliversParsedEvent(t *testing.T) {
	s, _ := newSystem(t, runtime.WithContext(map[string]any{"client": "graphql"}))
	r := NewRouter(s.Router())

	type event struct {
		key     RoutingKey
		payload Payload
		client  any
	}
	got := make(chan event, 1)
	r.MustRegister(MustRoutingKey(ServiceEmployee, ObjectWildcard, RequestCreate),
		NewNamedHandler("listener", func(_ context.Context, key RoutingKey, p Payload, appContext map[string]any) error {
			got <- event{key: key, payload: p, client: appContext["client"]}
			return nil
		}))
	require.NoError(t, s.Start(context.Background()))

	want := Payload{UUID: uuid.New(), ObjectUUID: uuid.New(), Time: time.Now().UTC().Truncate(time.Microsecond)}
	require.NoError(t, Publish(context.Background(), s, addressCreate(), want))

	select {
	case e := <-got:
		assert.Equal(t, addressCreate(), e.key)
		assert.Equal(t, want.UUID, e.payload.UUID)
		assert.Equal(t, want.ObjectUUID, e.payload.ObjectUUID)
		assert.True(t, want.Time.Equal(e.payload.Time))
		assert.Equal(t, "graphql", e.client)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestAdapterExclusivity(t *testing.T) {
	s, _ := newSystem(t)
	r := NewRouter(s.Router())

	var active, maxActive atomic.Int32
	var mu sync.Mutex
	windows := map[uuid.UUID][][2]time.Time{}
	h := NewNamedHandler("sync", func(_ context.Context, _ RoutingKey, p Payload, _ map[string]any) error {
		start := time.Now()
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		active.Add(-1)
		mu.Lock()
		windows[p.ObjectUUID] = append(windows[p.ObjectUUID], [2]time.Time{start, time.Now()})
		mu.Unlock()
		return nil
	})
	adapter := r.Adapter(h)

	employee := uuid.New()
	same := Payload{UUID: employee, ObjectUUID: uuid.New(), Time: time.Now()}
	other := Payload{UUID: employee, ObjectUUID: uuid.New(), Time: time.Now()}

	var wg sync.WaitGroup
	for _, p := range []Payload{same, same, other} {
		msg, err := runtime.NewMessage(p, nil)
		require.NoError(t, err)
		d := delivery(addressCreate().String(), msg.Payload)
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.HandleDelivery(context.Background(), adapter, d))
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	sameWindows := windows[same.ObjectUUID]
	require.Len(t, sameWindows, 2)
	first, second := sameWindows[0], sameWindows[1]
	assert.False(t, second[0].Before(first[1]), "same (uuid, object_uuid) never overlaps")
	assert.EqualValues(t, 2, maxActive.Load(), "different keys run concurrently")
}

func TestAdapterRejectsBadInput(t *testing.T) {
	s, _ := newSystem(t)
	r := NewRouter(s.Router())
	var called atomic.Bool
	adapter := r.Adapter(NewNamedHandler("sync", func(context.Context, RoutingKey, Payload, map[string]any) error {
		called.Store(true)
		return nil
	}))

	valid, err := runtime.NewMessage(Payload{UUID: uuid.New(), ObjectUUID: uuid.New(), Time: time.Now()}, nil)
	require.NoError(t, err)

	tests := []struct {
		name string
		key  string
		body []byte
	}{
		{"unknown routing key", "employee.unknown.create", valid.Payload},
		{"not json", "employee.address.create", []byte("{")},
		{"missing fields", "employee.address.create", []byte(`{"uuid":"5a8cbb0e-5a6c-4bc8-a2bb-46d4f3d6c6a0"}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.HandleDelivery(context.Background(), adapter, delivery(tt.key, tt.body))
			assert.Error(t, err)
			assert.False(t, called.Load())
		})
	}
}

func TestPublish(t *testing.T) {
	pub := &fakePublisher{}
	p := Payload{UUID: uuid.New(), ObjectUUID: uuid.New(), Time: time.Now()}

	require.NoError(t, Publish(context.Background(), pub, addressCreate(), p))
	assert.Equal(t, []string{"employee.address.create"}, pub.keys)

	err := Publish(context.Background(), pub, MustRoutingKey(ServiceEmployee, ObjectWildcard, RequestCreate), p)
	assert.ErrorIs(t, err, ErrWildcardPublish)
	err = Publish(context.Background(), pub, RoutingKey{}, p)
	assert.ErrorIs(t, err, ErrInvalidRoutingKey)
	assert.Len(t, pub.keys, 1)
}

type fakePublisher struct {
	keys []string
}

func (f *fakePublisher) Publish(_ context.Context, routingKey string, _ any, _ ...runtime.PublishOption) error {
	f.keys = append(f.keys, routingKey)
	return nil
}
