package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"

	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/prometheus/client_golang/prometheus"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	configpkg "github.com/drblury/ramqp/internal/runtime/config"
	errspkg "github.com/drblury/ramqp/internal/runtime/errors"
	loggingpkg "github.com/drblury/ramqp/internal/runtime/logging"
	metricspkg "github.com/drblury/ramqp/internal/runtime/metrics"
	transportpkg "github.com/drblury/ramqp/transport"
)

const tracerName = "github.com/drblury/ramqp"

// metricsRegisterer allows overriding the Prometheus registerer for testing.
var metricsRegisterer prometheus.Registerer = prometheus.DefaultRegisterer

// Option customises a System.
type Option func(*System)

// WithRouter uses r instead of a fresh Router. The System attaches its logger
// and observer to r.
func WithRouter(r *Router) Option {
	return func(s *System) { s.router = r }
}

// WithObserver sets the metrics sink. It takes precedence over
// Config.MetricsEnabled.
func WithObserver(o metricspkg.Observer) Option {
	return func(s *System) { s.observer = o }
}

// WithContext sets the application context handed to every handler.
func WithContext(values map[string]any) Option {
	return func(s *System) { s.appContext = values }
}

// WithHooks adds delivery hooks. Repeated options are merged in order.
func WithHooks(h DeliveryHooks) Option {
	return func(s *System) { s.hooks = s.hooks.Merge(h) }
}

// WithRegistry dials brokers from r instead of the default registry.
func WithRegistry(r *transportpkg.Registry) Option {
	return func(s *System) { s.registry = r }
}

// WithTracerProvider sets the OpenTelemetry provider for delivery and publish
// spans. The global provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *System) { s.tracer = tp.Tracer(tracerName) }
}

type queueState struct {
	name      string
	queueType string
}

// System owns the broker connection, declares the topology for its Router's
// handlers, dispatches deliveries and publishes messages.
type System struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	router     *Router
	observer   metricspkg.Observer
	appContext map[string]any
	hooks      DeliveryHooks
	registry   *transportpkg.Registry
	tracer     trace.Tracer
	marshaler  amqp.Marshaler
	resources  *resourceTracker

	// lifecycle serialises Start and Stop.
	lifecycle sync.Mutex

	mu       sync.Mutex
	conn     transportpkg.Connection
	channel  transportpkg.Channel
	exchange string
	queues   map[string]queueState
	stats    map[string]*HandlerStats
	cancel   context.CancelFunc

	// work tracks consumers, in-flight deliveries and the periodic task.
	work sync.WaitGroup
	// watchers tracks close notification listeners.
	watchers sync.WaitGroup
}

// NewSystem validates conf and returns a System that is not yet started. The
// configured transport must be registered. Register handlers on its Router
// before calling Start.
func NewSystem(conf *configpkg.Config, log loggingpkg.ServiceLogger, opts ...Option) (*System, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}

	c := conf.WithDefaults()
	if err := configpkg.ValidateConfig(&c); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	s := &System{
		Conf:      &c,
		Logger:    log,
		registry:  transportpkg.DefaultRegistry,
		tracer:    otel.Tracer(tracerName),
		stats:     map[string]*HandlerStats{},
		resources: newResourceTracker(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	if !s.registry.Has(c.GetTransport()) {
		return nil, fmt.Errorf("%w: %q (registered: %v)", errspkg.ErrUnknownTransport, c.GetTransport(), s.registry.Names())
	}

	if s.observer == nil {
		if c.MetricsEnabled {
			prom := metricspkg.NewPrometheus(c.MetricsNamespace, metricsRegisterer)
			if err := prom.Register(); err != nil {
				return nil, fmt.Errorf("ramqp: register metrics: %w", err)
			}
			s.observer = prom
		} else {
			s.observer = metricspkg.Nop{}
		}
	}
	if s.router == nil {
		s.router = NewRouter(log, s.observer)
	} else {
		s.router.setLogger(log)
		s.router.setObserver(s.observer)
	}
	if s.marshaler == nil {
		s.marshaler = newMarshaler()
	}

	log.Info("Creating AMQP system", loggingpkg.LogFields{
		"transport": c.Transport,
		"config":    c.String(),
	})
	return s, nil
}

// Router returns the registry handlers are registered on.
func (s *System) Router() *Router {
	return s.router
}

// Context returns the application context handed to handlers.
func (s *System) Context() map[string]any {
	return s.appContext
}

// Started reports whether a connection exists.
func (s *System) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Healthcheck reports whether the connection and the channel are open. It
// never blocks on the broker.
func (s *System) Healthcheck() bool {
	s.mu.Lock()
	conn, ch := s.conn, s.channel
	s.mu.Unlock()
	return conn != nil && !conn.IsClosed() && ch != nil && !ch.IsClosed()
}

// Start connects to the broker and declares the exchange, one queue per
// handler and its bindings, then starts consuming. Calling Start on a started
// System fails with ErrAlreadyStarted. On failure everything acquired so far
// is released again.
func (s *System) Start(ctx context.Context) (err error) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.Logger.Info("Starting AMQP system", loggingpkg.LogFields{"handlers": s.router.Len()})

	s.mu.Lock()
	running := s.conn != nil || s.channel != nil || s.exchange != ""
	s.mu.Unlock()
	if running {
		return errspkg.ErrAlreadyStarted
	}

	c := s.Conf
	if err := s.router.freeze(c.QueuePrefix); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			s.Logger.Error("Unable to start AMQP system", err, nil)
			_ = s.teardown()
		}
	}()

	s.Logger.Info("Establishing AMQP connection", connectionFields(c))
	conn, err := s.registry.Dial(ctx, c, loggingpkg.NewWatermillAdapter(s.Logger))
	if err != nil {
		return fmt.Errorf("ramqp: connect: %w", err)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.conn = conn
	s.cancel = cancel
	s.mu.Unlock()
	s.watchClose("connection", conn.NotifyClose(make(chan *amqp091.Error, 1)))
	caps := s.registry.GetCapabilities(c.GetTransport())

	s.Logger.Info("Creating AMQP channel", nil)
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("ramqp: open channel: %w", err)
	}
	s.mu.Lock()
	s.channel = ch
	s.mu.Unlock()
	s.watchClose("channel", ch.NotifyClose(make(chan *amqp091.Error, 1)))
	if caps.SupportsPrefetch {
		if err := ch.Qos(c.PrefetchCount, 0, false); err != nil {
			return fmt.Errorf("ramqp: set prefetch count: %w", err)
		}
	}

	s.Logger.Info("Attaching AMQP exchange to channel", loggingpkg.LogFields{"exchange": c.Exchange})
	if err := ch.ExchangeDeclare(c.Exchange, amqp091.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("ramqp: declare exchange %q: %w", c.Exchange, err)
	}
	s.mu.Lock()
	s.exchange = c.Exchange
	s.queues = map[string]queueState{}
	s.mu.Unlock()

	for _, h := range s.router.Handlers() {
		if err := s.bringUpQueue(runCtx, conn, ch, caps, h); err != nil {
			return err
		}
	}

	s.startPeriodic(runCtx, c.PeriodicInterval)
	return nil
}

// Stop cancels consumers and the periodic task, waits for in-flight
// deliveries to settle, then closes the channel and the connection. It is
// safe to call at any time and more than once.
func (s *System) Stop() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.Logger.Info("Stopping AMQP system", nil)
	return s.teardown()
}

func (s *System) teardown() error {
	s.mu.Lock()
	cancel, ch, conn := s.cancel, s.channel, s.conn
	s.cancel = nil
	s.exchange = ""
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.work.Wait()

	var errs []error
	if ch != nil {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			errs = append(errs, fmt.Errorf("ramqp: close channel: %w", err))
		}
	}
	if conn != nil {
		s.Logger.Info("Closing AMQP connection", nil)
		if err := conn.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			errs = append(errs, fmt.Errorf("ramqp: close connection: %w", err))
		}
	}
	s.watchers.Wait()

	s.mu.Lock()
	s.channel = nil
	s.conn = nil
	s.queues = nil
	s.mu.Unlock()
	s.router.unfreeze()

	return errors.Join(errs...)
}

// RunForever starts the System unless it is already started and blocks until
// ctx is cancelled. Cancellation is not an error. It does not stop the
// System; use Run for scoped start and stop.
func (s *System) RunForever(ctx context.Context) error {
	s.Logger.Info("Running forever", nil)
	if !s.Started() {
		if err := s.Start(ctx); err != nil {
			return err
		}
	}
	<-ctx.Done()
	s.Logger.Info("Run cancelled", nil)
	return nil
}

// Run starts the System, calls fn and stops the System again, whether fn
// succeeded or not.
func (s *System) Run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if err := s.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if stopErr := s.Stop(); err == nil {
			err = stopErr
		}
	}()
	return fn(ctx)
}

// watchClose reports close notifications of the connection or the channel.
func (s *System) watchClose(kind string, notify <-chan *amqp091.Error) {
	s.watchers.Add(1)
	go func() {
		defer s.watchers.Done()
		cause, ok := <-notify
		s.observer.ConnectionEvent(kind + "_close")
		if ok && cause != nil {
			s.Logger.Error("AMQP "+kind+" closed", cause, loggingpkg.LogFields{
				"code":   cause.Code,
				"server": cause.Server,
			})
			return
		}
		s.Logger.Debug("AMQP "+kind+" closed", nil)
	}()
}

func (s *System) handlerState(name string) (string, *HandlerStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats, ok := s.stats[name]
	if !ok {
		stats = newHandlerStats()
		s.stats[name] = stats
	}
	return s.queues[name].name, stats
}

// connectionFields describes the broker endpoint for logs. The password is
// never included.
func connectionFields(c *configpkg.Config) loggingpkg.LogFields {
	fields := loggingpkg.LogFields{"transport": c.GetTransport()}
	if c.URL != "" {
		u, err := url.Parse(c.URL)
		if err != nil {
			return fields
		}
		fields["scheme"] = u.Scheme
		fields["user"] = u.User.Username()
		fields["host"] = u.Hostname()
		fields["port"] = u.Port()
		fields["vhost"] = u.Path
		return fields
	}
	fields["scheme"] = c.Scheme
	fields["user"] = c.User
	fields["host"] = c.Host
	if c.Port != 0 {
		fields["port"] = strconv.Itoa(c.Port)
	}
	fields["vhost"] = c.VHost
	return fields
}
