package runtime

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/drblury/ramqp/internal/runtime/disposition"
)

// HandlerInfo describes a handler and its queue for the status endpoint.
type HandlerInfo struct {
	Name        string        `json:"name"`
	Queue       string        `json:"queue"`
	QueueType   string        `json:"queue_type,omitempty"`
	RoutingKeys []string      `json:"routing_keys"`
	Stats       StatsSnapshot `json:"stats"`
}

// StatsSnapshot is a copy of a handler's counters.
type StatsSnapshot struct {
	Received            uint64    `json:"received"`
	Completed           uint64    `json:"completed"`
	Rejected            uint64    `json:"rejected"`
	Requeued            uint64    `json:"requeued"`
	Failed              uint64    `json:"failed"`
	InFlight            int64     `json:"in_flight"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastProcessedAt     time.Time `json:"last_processed_at"`
	LastError           string    `json:"last_error,omitempty"`
	Backlog             int64     `json:"backlog"`
}

// HandlerStats counts deliveries per outcome for one handler.
type HandlerStats struct {
	mu   sync.Mutex
	snap StatsSnapshot
}

func newHandlerStats() *HandlerStats {
	return &HandlerStats{snap: StatsSnapshot{Backlog: -1}}
}

func (s *HandlerStats) onStart() {
	s.mu.Lock()
	s.snap.Received++
	s.snap.InFlight++
	s.mu.Unlock()
}

func (s *HandlerStats) onFinish(outcome disposition.Outcome, duration time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snap.InFlight--
	s.snap.TotalProcessingTime += duration.Nanoseconds()
	s.snap.LastProcessedAt = time.Now()
	switch outcome {
	case disposition.Completed:
		s.snap.Completed++
	case disposition.Rejected:
		s.snap.Rejected++
	case disposition.Requeued:
		s.snap.Requeued++
	case disposition.Failed:
		s.snap.Failed++
		if err != nil {
			s.snap.LastError = err.Error()
		}
	}
}

func (s *HandlerStats) setBacklog(messages int) {
	s.mu.Lock()
	s.snap.Backlog = int64(messages)
	s.mu.Unlock()
}

// Snapshot returns a copy of the counters.
func (s *HandlerStats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

type failureKey struct {
	handler   string
	messageID string
}

const (
	// failureTrackerSize bounds the number of (handler, message) pairs whose
	// failures are counted. The least recently failed pair is evicted first.
	failureTrackerSize = 10_000
	// failureTrackerTTL forgets a pair that has not failed for this long, so
	// messages dead-lettered by the broker or settled by another replica do
	// not stay tracked.
	failureTrackerTTL = time.Hour
)

// failureTracker counts consecutive failures per (handler, message).
type failureTracker struct {
	// mu makes the read-increment-write in fail atomic; the cache itself is
	// safe for concurrent use.
	mu     sync.Mutex
	counts *expirable.LRU[failureKey, int]
}

func newFailureTracker(size int, ttl time.Duration) *failureTracker {
	return &failureTracker{counts: expirable.NewLRU[failureKey, int](size, nil, ttl)}
}

func (t *failureTracker) fail(handler, messageID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := failureKey{handler: handler, messageID: messageID}
	n, _ := t.counts.Get(k)
	n++
	t.counts.Add(k, n)
	return n
}

func (t *failureTracker) reset(handler, messageID string) {
	t.counts.Remove(failureKey{handler: handler, messageID: messageID})
}

func (t *failureTracker) len() int {
	return t.counts.Len()
}
