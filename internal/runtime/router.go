package runtime

import (
	"fmt"
	"slices"
	"sync"

	errspkg "github.com/drblury/ramqp/internal/runtime/errors"
	loggingpkg "github.com/drblury/ramqp/internal/runtime/logging"
	metricspkg "github.com/drblury/ramqp/internal/runtime/metrics"
)

// Router maps handlers to the routing keys their queue is bound with.
// Handlers keep their registration order, which is also the order queues are
// declared in.
type Router struct {
	mu       sync.Mutex
	handlers []*Handler
	keys     map[*Handler][]string
	frozen   bool

	logger   loggingpkg.ServiceLogger
	observer metricspkg.Observer
}

// NewRouter returns an empty Router. Nil arguments fall back to no-op
// implementations.
func NewRouter(logger loggingpkg.ServiceLogger, observer metricspkg.Observer) *Router {
	r := &Router{keys: map[*Handler][]string{}}
	r.setLogger(logger)
	r.setObserver(observer)
	return r
}

func (r *Router) setLogger(logger loggingpkg.ServiceLogger) {
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}
	r.mu.Lock()
	r.logger = logger
	r.mu.Unlock()
}

func (r *Router) setObserver(observer metricspkg.Observer) {
	if observer == nil {
		observer = metricspkg.Nop{}
	}
	r.mu.Lock()
	r.observer = observer
	r.mu.Unlock()
}

// Register binds h to routingKey. Registering the same pair twice leaves the
// binding set unchanged, but every call is logged and counted. The handler is
// not modified apart from deriving its Name when empty.
func (r *Router) Register(routingKey string, h *Handler) error {
	if routingKey == "" {
		return errspkg.ErrRoutingKeyRequired
	}
	if h == nil || h.Func == nil {
		return errspkg.ErrHandlerRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if h.Name == "" {
		h.Name = FuncName(h.Func)
	}
	name := h.Name
	if r.frozen {
		r.logger.Error("Cannot register callback after Start has been called", errspkg.ErrRegisterAfterStart,
			loggingpkg.LogFields{"routing_key": routingKey, "function": name})
		return errspkg.ErrRegisterAfterStart
	}

	r.logger.Info("Register called", loggingpkg.LogFields{"routing_key": routingKey, "function": name})
	r.observer.CallbackRegistered(routingKey)

	keys, known := r.keys[h]
	if !known {
		r.handlers = append(r.handlers, h)
	}
	if !slices.Contains(keys, routingKey) {
		r.keys[h] = append(keys, routingKey)
	}
	return nil
}

// MustRegister is Register that panics on error, for package-level wiring.
func (r *Router) MustRegister(routingKey string, h *Handler) *Handler {
	if err := r.Register(routingKey, h); err != nil {
		panic(fmt.Sprintf("ramqp: register %q: %v", routingKey, err))
	}
	return h
}

// Handlers returns the registered handlers in registration order.
func (r *Router) Handlers() []*Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.handlers)
}

// RoutingKeys returns the routing keys bound to h.
func (r *Router) RoutingKeys(h *Handler) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.keys[h])
}

// Len reports the number of registered handlers.
func (r *Router) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers)
}

// Registry returns a copy of the handler name to routing keys mapping.
func (r *Router) Registry() map[string][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string][]string, len(r.handlers))
	for _, h := range r.handlers {
		out[h.Name] = slices.Clone(r.keys[h])
	}
	return out
}

// freeze validates the registry and blocks further registration.
func (r *Router) freeze(queuePrefix string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{}, len(r.handlers))
	for _, h := range r.handlers {
		if _, dup := seen[h.Name]; dup || h.Name == "" {
			return errspkg.NewConfigValidationError(fmt.Errorf("%w: %q", errspkg.ErrDuplicateHandlerName, h.Name))
		}
		seen[h.Name] = struct{}{}
	}
	if len(r.handlers) > 0 && queuePrefix == "" {
		return errspkg.NewConfigValidationError(errspkg.ErrQueuePrefixRequired)
	}
	r.frozen = true
	return nil
}

func (r *Router) unfreeze() {
	r.mu.Lock()
	r.frozen = false
	r.mu.Unlock()
}
