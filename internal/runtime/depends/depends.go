// Package depends resolves the inputs a message handler declares and invokes
// the handler once all of them are available.
//
// A handler lists the providers it needs when it is registered. For every
// delivery the pipeline builds a Scope, resolves each provider (and the
// providers they require) exactly once, calls the handler and finally runs
// the teardowns providers registered on the scope, in reverse order.
package depends

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	loggingpkg "github.com/drblury/ramqp/internal/runtime/logging"
)

// Scope carries one delivery through resolution and invocation. A Scope
// belongs to a single delivery and is not safe for concurrent use.
type Scope struct {
	Delivery *amqp.Delivery
	Context  map[string]any
	Handler  string
	Logger   loggingpkg.ServiceLogger

	values    map[Dependency]any
	failed    map[Dependency]error
	teardowns []func(error)
}

// NewScope returns a scope for delivery d handled by handler. A nil logger is
// replaced with a no-op logger.
func NewScope(d *amqp.Delivery, appContext map[string]any, handler string, logger loggingpkg.ServiceLogger) *Scope {
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}
	return &Scope{
		Delivery: d,
		Context:  appContext,
		Handler:  handler,
		Logger:   logger,
		values:   map[Dependency]any{},
		failed:   map[Dependency]error{},
	}
}

// Defer registers fn to run after the handler returns. fn receives the
// handler's error, or nil on success. Teardowns run last-in first-out.
func (s *Scope) Defer(fn func(err error)) {
	s.teardowns = append(s.teardowns, fn)
}

func (s *Scope) close(err error) {
	for i := len(s.teardowns) - 1; i >= 0; i-- {
		s.teardowns[i](err)
	}
	s.teardowns = nil
}

// Dependency is a resolvable handler input. Implementations are created with
// NewProvider or one of the built-in constructors.
type Dependency interface {
	Name() string
	resolve(ctx context.Context, s *Scope) (any, error)
	requires() []Dependency
}

// Provider resolves a value of type T. Providers are compared by identity, so
// keep the value returned by a constructor and use it both in the handler's
// dependency list and to read the value with Get.
type Provider[T any] struct {
	name string
	fn   func(ctx context.Context, s *Scope) (T, error)
	deps []Dependency
}

// NewProvider builds a provider. Every dependency in requires is resolved
// before fn runs, so fn may read them with Get.
func NewProvider[T any](name string, fn func(ctx context.Context, s *Scope) (T, error), requires ...Dependency) *Provider[T] {
	return &Provider[T]{name: name, fn: fn, deps: requires}
}

func (p *Provider[T]) Name() string { return p.name }

func (p *Provider[T]) resolve(ctx context.Context, s *Scope) (any, error) {
	return p.fn(ctx, s)
}

func (p *Provider[T]) requires() []Dependency { return p.deps }

// Lookup returns the value resolved for p in s.
func (p *Provider[T]) Lookup(s *Scope) (T, bool) {
	v, ok := s.values[p]
	if !ok {
		var zero T
		return zero, false
	}
	return v.(T), true
}

// Get returns the value resolved for p in s. It panics when p was not
// declared as a dependency of the running handler.
func (p *Provider[T]) Get(s *Scope) T {
	v, ok := p.Lookup(s)
	if !ok {
		panic(fmt.Sprintf("ramqp: dependency %q was not resolved for handler %q", p.name, s.Handler))
	}
	return v
}

// ResolutionError aggregates every dependency that failed to resolve for one
// delivery. It is distinct from errors returned by the handler itself.
type ResolutionError struct {
	Handler string
	Errors  []error
}

func (e *ResolutionError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("ramqp: resolving dependencies of %s: %s", e.Handler, strings.Join(msgs, "; "))
}

func (e *ResolutionError) Unwrap() []error {
	return e.Errors
}

// IsResolutionError reports whether err came from dependency resolution.
func IsResolutionError(err error) bool {
	var re *ResolutionError
	return errors.As(err, &re)
}

// PanicError is returned by Invoke when the handler panics.
type PanicError struct {
	Handler string
	Value   any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("ramqp: handler %s panicked: %v", e.Handler, e.Value)
}

// Invoke resolves deps in order and calls fn when all of them succeeded.
// Teardowns registered during resolution always run, with the handler's
// error, before Invoke returns.
func Invoke(ctx context.Context, s *Scope, deps []Dependency, fn func(ctx context.Context, s *Scope) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Handler: s.Handler, Value: r}
		}
		s.close(err)
	}()

	var errs []error
	for _, d := range deps {
		if rerr := s.resolve(ctx, d, nil); rerr != nil && !slices.Contains(errs, rerr) {
			errs = append(errs, rerr)
		}
	}
	if len(errs) > 0 {
		return &ResolutionError{Handler: s.Handler, Errors: errs}
	}
	return fn(ctx, s)
}

func (s *Scope) resolve(ctx context.Context, d Dependency, path []Dependency) error {
	if _, ok := s.values[d]; ok {
		return nil
	}
	if err, ok := s.failed[d]; ok {
		return err
	}
	if slices.Contains(path, d) {
		err := fmt.Errorf("%s: dependency cycle", d.Name())
		s.failed[d] = err
		return err
	}

	path = append(path, d)
	for _, sub := range d.requires() {
		if err := s.resolve(ctx, sub, path); err != nil {
			s.failed[d] = err
			return err
		}
	}

	v, err := d.resolve(ctx, s)
	if err != nil {
		err = fmt.Errorf("%s: %w", d.Name(), err)
		s.failed[d] = err
		return err
	}
	s.values[d] = v
	return nil
}
