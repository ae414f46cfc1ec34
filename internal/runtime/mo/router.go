package mo

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/drblury/ramqp/internal/runtime"
	"github.com/drblury/ramqp/internal/runtime/depends"
	"github.com/drblury/ramqp/internal/runtime/exclusive"
)

// ErrWildcardPublish is returned when publishing under a binding pattern.
var ErrWildcardPublish = errors.New("ramqp: cannot publish with a wildcard MO routing key")

// HandlerFunc handles one MO event. appContext is the context given to the
// System.
type HandlerFunc func(ctx context.Context, key RoutingKey, payload Payload, appContext map[string]any) error

// Handler is an MO callback. Its Name names the queue, as for runtime handlers.
type Handler struct {
	Name string
	Func HandlerFunc
}

// NewHandler builds a Handler named after fn.
func NewHandler(fn HandlerFunc) *Handler {
	return &Handler{Name: runtime.FuncName(fn), Func: fn}
}

// NewNamedHandler builds a Handler with an explicit name.
func NewNamedHandler(name string, fn HandlerFunc) *Handler {
	return &Handler{Name: name, Func: fn}
}

var (
	routingKey = depends.NewProvider("mo_routing_key", func(_ context.Context, s *depends.Scope) (RoutingKey, error) {
		return ParseRoutingKey(depends.RoutingKey.Get(s))
	}, depends.RoutingKey)

	payload = depends.Payload[Payload]()
)

// Router registers MO handlers on a runtime Router. Every MO handler is
// wrapped in exactly one adapter, however often it is registered, so it still
// gets exactly one queue. Adapters never run two deliveries with the same
// (uuid, object_uuid) at the same time.
type Router struct {
	inner *runtime.Router

	mu       sync.Mutex
	adapters []*runtime.Handler
	index    map[*Handler]int
}

// NewRouter wraps inner.
func NewRouter(inner *runtime.Router) *Router {
	return &Router{inner: inner, index: map[*Handler]int{}}
}

// Register binds h to key. Wildcards are allowed.
func (r *Router) Register(key RoutingKey, h *Handler) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if h == nil || h.Func == nil {
		return fmt.Errorf("ramqp: MO handler function is required")
	}
	return r.inner.Register(key.String(), r.Adapter(h))
}

// MustRegister is Register that panics on error.
func (r *Router) MustRegister(key RoutingKey, h *Handler) *Handler {
	if err := r.Register(key, h); err != nil {
		panic(fmt.Sprintf("ramqp: register %q: %v", key, err))
	}
	return h
}

// Adapter returns the runtime handler wrapping h, creating it on first use.
func (r *Router) Adapter(h *Handler) *runtime.Handler {
	r.mu.Lock()
	defer r.mu.Unlock()

	if i, ok := r.index[h]; ok {
		return r.adapters[i]
	}
	adapter := newAdapter(h)
	r.index[h] = len(r.adapters)
	r.adapters = append(r.adapters, adapter)
	return adapter
}

func newAdapter(h *Handler) *runtime.Handler {
	exclusively := depends.Exclusive(exclusive.NewManager(), func(s *depends.Scope) (any, error) {
		return payload.Get(s).exclusivityKey(), nil
	}, payload)

	name := h.Name
	if name == "" {
		name = runtime.FuncName(h.Func)
	}
	return runtime.NewNamedHandler(name, func(ctx context.Context, s *depends.Scope) error {
		return h.Func(ctx, routingKey.Get(s), payload.Get(s), depends.Context.Get(s))
	}, routingKey, payload, depends.Context, exclusively)
}

// Publish sends payload under key.
func Publish(ctx context.Context, p runtime.Publisher, key RoutingKey, body Payload, opts ...runtime.PublishOption) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if key.HasWildcard() {
		return fmt.Errorf("%w: %q", ErrWildcardPublish, key)
	}
	return p.Publish(ctx, key.String(), body, opts...)
}
