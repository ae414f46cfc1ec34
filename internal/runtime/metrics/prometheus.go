package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const subsystem = "amqp"

// Prometheus reports runtime events as Prometheus collectors.
type Prometheus struct {
	mu sync.Mutex

	receiveLast       *prometheus.GaugeVec
	receiveTotal      *prometheus.CounterVec
	receiveExceptions *prometheus.CounterVec
	receiveInProgress *prometheus.GaugeVec
	receiveSeconds    *prometheus.HistogramVec

	publishLast       *prometheus.GaugeVec
	publishTotal      *prometheus.CounterVec
	publishExceptions *prometheus.CounterVec
	publishInProgress *prometheus.GaugeVec
	publishSeconds    *prometheus.HistogramVec

	lastPeriodic        prometheus.Gauge
	lastLoopPeriodic    prometheus.Gauge
	backlog             *prometheus.GaugeVec
	routesBound         *prometheus.CounterVec
	callbacksRegistered *prometheus.CounterVec
	eventTotal          *prometheus.CounterVec
	eventLast           *prometheus.GaugeVec

	started    time.Time
	registerer prometheus.Registerer
	registered bool
}

var _ Observer = (*Prometheus)(nil)

type factory struct {
	namespace string
}

func (f factory) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: f.namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

func (f factory) gaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: f.namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

func (f factory) gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: f.namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

func (f factory) histogramVec(name, help string, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: f.namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
		Buckets:   prometheus.DefBuckets,
	}, labels)
}

// NewPrometheus builds the collectors under namespace. A nil registerer means
// prometheus.DefaultRegisterer. Collectors are not registered until Register
// is called.
func NewPrometheus(namespace string, registerer prometheus.Registerer) *Prometheus {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	f := factory{namespace: namespace}

	return &Prometheus{
		receiveLast:       f.gaugeVec("receive_last_received", "Timestamp of the last received message", "routing_key", "function"),
		receiveTotal:      f.counterVec("receive_total", "Number of callback invocations", "routing_key", "function"),
		receiveExceptions: f.counterVec("receive_exceptions_total", "Number of callback invocations that failed", "routing_key", "function"),
		receiveInProgress: f.gaugeVec("receive_inprogress", "Number of callbacks currently running", "routing_key", "function"),
		receiveSeconds:    f.histogramVec("receive_seconds", "Time spent running callbacks", "routing_key", "function"),

		publishLast:       f.gaugeVec("publish_last_published", "Timestamp of the last published message", "routing_key"),
		publishTotal:      f.counterVec("publish_total", "Number of publish calls", "routing_key"),
		publishExceptions: f.counterVec("publish_exceptions_total", "Number of publish calls that failed", "routing_key"),
		publishInProgress: f.gaugeVec("publish_inprogress", "Number of publish calls currently running", "routing_key"),
		publishSeconds:    f.histogramVec("publish_seconds", "Time spent publishing", "routing_key"),

		lastPeriodic:        f.gauge("last_periodic", "Timestamp of the last periodic call"),
		lastLoopPeriodic:    f.gauge("last_loop_periodic", "Seconds since start (monotonic) of the last periodic call"),
		backlog:             f.gaugeVec("backlog", "Number of messages waiting for processing in the backlog", "function"),
		routesBound:         f.counterVec("routes_bound_total", "Number of routing keys bound to queues", "function"),
		callbacksRegistered: f.counterVec("callbacks_registered_total", "Number of callbacks registered", "routing_key"),
		eventTotal:          f.counterVec("event_total", "Number of connection and channel events", "event_key"),
		eventLast:           f.gaugeVec("event_last", "Timestamp of the last connection or channel event", "event_key"),

		started:    time.Now(),
		registerer: registerer,
	}
}

func (p *Prometheus) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		p.receiveLast, p.receiveTotal, p.receiveExceptions, p.receiveInProgress, p.receiveSeconds,
		p.publishLast, p.publishTotal, p.publishExceptions, p.publishInProgress, p.publishSeconds,
		p.lastPeriodic, p.lastLoopPeriodic, p.backlog, p.routesBound, p.callbacksRegistered,
		p.eventTotal, p.eventLast,
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (p *Prometheus) Register() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.registered {
		return nil
	}
	for _, c := range p.collectors() {
		if err := p.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}
	p.registered = true
	return nil
}

func (p *Prometheus) CallbackRegistered(routingKey string) {
	p.callbacksRegistered.WithLabelValues(routingKey).Inc()
}

func (p *Prometheus) RouteBound(handler string) {
	p.routesBound.WithLabelValues(handler).Inc()
}

func (p *Prometheus) ReceiveStarted(routingKey, handler string) func(error) {
	start := time.Now()
	p.receiveLast.WithLabelValues(routingKey, handler).Set(float64(start.Unix()))
	p.receiveTotal.WithLabelValues(routingKey, handler).Inc()
	inProgress := p.receiveInProgress.WithLabelValues(routingKey, handler)
	inProgress.Inc()

	var once sync.Once
	return func(err error) {
		once.Do(func() {
			inProgress.Dec()
			p.receiveSeconds.WithLabelValues(routingKey, handler).Observe(time.Since(start).Seconds())
			if err != nil {
				p.receiveExceptions.WithLabelValues(routingKey, handler).Inc()
			}
		})
	}
}

func (p *Prometheus) PublishStarted(routingKey string) func(error) {
	start := time.Now()
	p.publishLast.WithLabelValues(routingKey).Set(float64(start.Unix()))
	p.publishTotal.WithLabelValues(routingKey).Inc()
	inProgress := p.publishInProgress.WithLabelValues(routingKey)
	inProgress.Inc()

	var once sync.Once
	return func(err error) {
		once.Do(func() {
			inProgress.Dec()
			p.publishSeconds.WithLabelValues(routingKey).Observe(time.Since(start).Seconds())
			if err != nil {
				p.publishExceptions.WithLabelValues(routingKey).Inc()
			}
		})
	}
}

func (p *Prometheus) ConnectionEvent(event string) {
	p.eventTotal.WithLabelValues(event).Inc()
	p.eventLast.WithLabelValues(event).SetToCurrentTime()
}

func (p *Prometheus) Periodic(at time.Time) {
	p.lastPeriodic.Set(float64(at.Unix()))
	p.lastLoopPeriodic.Set(at.Sub(p.started).Seconds())
}

func (p *Prometheus) Backlog(handler string, messages int) {
	p.backlog.WithLabelValues(handler).Set(float64(messages))
}
