package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

// ResourceUsage describes what the process hosting the consumers costs, as
// shown next to the handler stats on the status endpoint.
type ResourceUsage struct {
	CPUPercent  float64       `json:"cpu_percent"`
	MemoryBytes uint64        `json:"memory_bytes"`
	Goroutines  int           `json:"goroutines"`
	GCCycles    uint64        `json:"gc_cycles"`
	Uptime      time.Duration `json:"uptime"`
}

const (
	metricCPUSeconds = "/cpu/classes/total:cpu-seconds"
	metricHeapBytes  = "/memory/classes/heap/objects:bytes"
	metricGoroutines = "/sched/goroutines:goroutines"
	metricGCCycles   = "/gc/cycles/total:gc-cycles"
)

var usageMetrics = []string{metricCPUSeconds, metricHeapBytes, metricGoroutines, metricGCCycles}

// resourceTracker reads runtime/metrics for the status endpoint. CPU is the
// share of all cores used since the previous read, so the first read is 0.
type resourceTracker struct {
	mu      sync.Mutex
	samples []metrics.Sample
	started time.Time
	numCPU  float64

	prevCPU float64
	prevAt  time.Time
}

func newResourceTracker() *resourceTracker {
	return &resourceTracker{started: time.Now()}
}

func (r *resourceTracker) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.samples == nil {
		r.samples = make([]metrics.Sample, len(usageMetrics))
		for i, name := range usageMetrics {
			r.samples[i].Name = name
		}
	}
	if r.numCPU == 0 {
		r.numCPU = float64(runtime.NumCPU())
	}
	if r.started.IsZero() {
		r.started = time.Now()
	}
	metrics.Read(r.samples)
	now := time.Now()

	usage := ResourceUsage{Uptime: now.Sub(r.started)}
	for _, s := range r.samples {
		switch s.Name {
		case metricCPUSeconds:
			usage.CPUPercent = r.cpuPercent(s.Value, now)
		case metricHeapBytes:
			usage.MemoryBytes = uint64Value(s.Value)
		case metricGoroutines:
			usage.Goroutines = int(uint64Value(s.Value))
		case metricGCCycles:
			usage.GCCycles = uint64Value(s.Value)
		}
	}
	if usage.Goroutines == 0 {
		usage.Goroutines = runtime.NumGoroutine()
	}
	return usage
}

func (r *resourceTracker) cpuPercent(v metrics.Value, now time.Time) float64 {
	if v.Kind() != metrics.KindFloat64 {
		return 0
	}
	seconds := v.Float64()
	var pct float64
	if !r.prevAt.IsZero() {
		if wall := now.Sub(r.prevAt).Seconds(); wall > 0 {
			pct = (seconds - r.prevCPU) / wall / r.numCPU * 100
		}
	}
	r.prevCPU, r.prevAt = seconds, now
	return pct
}

// uint64Value returns 0 for metrics the running Go version does not know.
func uint64Value(v metrics.Value) uint64 {
	if v.Kind() != metrics.KindUint64 {
		return 0
	}
	return v.Uint64()
}
