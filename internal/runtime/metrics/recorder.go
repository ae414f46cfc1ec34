package metrics

import (
	"sync"
	"time"
)

// Recorder keeps counts of observed events in memory. It backs health views
// and tests that need to assert on runtime activity without Prometheus.
type Recorder struct {
	mu sync.Mutex

	registered  map[string]int
	routesBound map[string]int
	received    map[string]int
	failed      map[string]int
	inProgress  map[string]int
	published   map[string]int
	events      map[string]int
	backlog     map[string]int
	lastPeriod  time.Time
}

var _ Observer = (*Recorder)(nil)

// Snapshot is a point-in-time copy of a Recorder.
type Snapshot struct {
	CallbacksRegistered map[string]int `json:"callbacks_registered"`
	RoutesBound         map[string]int `json:"routes_bound"`
	Received            map[string]int `json:"received"`
	Failed              map[string]int `json:"failed"`
	InProgress          map[string]int `json:"in_progress"`
	Published           map[string]int `json:"published"`
	Events              map[string]int `json:"events"`
	Backlog             map[string]int `json:"backlog"`
	LastPeriodic        time.Time      `json:"last_periodic,omitempty"`
}

func NewRecorder() *Recorder {
	return &Recorder{
		registered:  map[string]int{},
		routesBound: map[string]int{},
		received:    map[string]int{},
		failed:      map[string]int{},
		inProgress:  map[string]int{},
		published:   map[string]int{},
		events:      map[string]int{},
		backlog:     map[string]int{},
	}
}

func receiveKey(routingKey, handler string) string {
	return routingKey + "/" + handler
}

func (r *Recorder) add(m map[string]int, key string, delta int) {
	r.mu.Lock()
	m[key] += delta
	r.mu.Unlock()
}

func (r *Recorder) CallbackRegistered(routingKey string) { r.add(r.registered, routingKey, 1) }

func (r *Recorder) RouteBound(handler string) { r.add(r.routesBound, handler, 1) }

// ReceiveStarted counts under the key "routing_key/handler".
func (r *Recorder) ReceiveStarted(routingKey, handler string) func(error) {
	key := receiveKey(routingKey, handler)
	r.add(r.received, key, 1)
	r.add(r.inProgress, key, 1)
	var once sync.Once
	return func(err error) {
		once.Do(func() {
			r.add(r.inProgress, key, -1)
			if err != nil {
				r.add(r.failed, key, 1)
			}
		})
	}
}

func (r *Recorder) PublishStarted(routingKey string) func(error) {
	r.add(r.published, routingKey, 1)
	return func(error) {}
}

func (r *Recorder) ConnectionEvent(event string) { r.add(r.events, event, 1) }

func (r *Recorder) Periodic(at time.Time) {
	r.mu.Lock()
	r.lastPeriod = at
	r.mu.Unlock()
}

func (r *Recorder) Backlog(handler string, messages int) {
	r.mu.Lock()
	r.backlog[handler] = messages
	r.mu.Unlock()
}

// Snapshot returns a copy of everything recorded so far.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	return Snapshot{
		CallbacksRegistered: clone(r.registered),
		RoutesBound:         clone(r.routesBound),
		Received:            clone(r.received),
		Failed:              clone(r.failed),
		InProgress:          clone(r.inProgress),
		Published:           clone(r.published),
		Events:              clone(r.events),
		Backlog:             clone(r.backlog),
		LastPeriodic:        r.lastPeriod,
	}
}

func clone(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Multi fans every event out to several observers.
type Multi []Observer

var _ Observer = Multi(nil)

func (m Multi) CallbackRegistered(routingKey string) {
	for _, o := range m {
		o.CallbackRegistered(routingKey)
	}
}

func (m Multi) RouteBound(handler string) {
	for _, o := range m {
		o.RouteBound(handler)
	}
}

func (m Multi) ReceiveStarted(routingKey, handler string) func(error) {
	done := make([]func(error), len(m))
	for i, o := range m {
		done[i] = o.ReceiveStarted(routingKey, handler)
	}
	return func(err error) {
		for _, d := range done {
			d(err)
		}
	}
}

func (m Multi) PublishStarted(routingKey string) func(error) {
	done := make([]func(error), len(m))
	for i, o := range m {
		done[i] = o.PublishStarted(routingKey)
	}
	return func(err error) {
		for _, d := range done {
			d(err)
		}
	}
}

func (m Multi) ConnectionEvent(event string) {
	for _, o := range m {
		o.ConnectionEvent(event)
	}
}

func (m Multi) Periodic(at time.Time) {
	for _, o := range m {
		o.Periodic(at)
	}
}

func (m Multi) Backlog(handler string, messages int) {
	for _, o := range m {
		o.Backlog(handler, messages)
	}
}
