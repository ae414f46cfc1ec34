package runtime

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/ramqp/internal/runtime/config"
	loggingpkg "github.com/drblury/ramqp/internal/runtime/logging"
	metricspkg "github.com/drblury/ramqp/internal/runtime/metrics"
	transportpkg "github.com/drblury/ramqp/transport"
	"github.com/drblury/ramqp/transport/memory"
)

type loggedEntry struct {
	level  string
	msg    string
	err    error
	fields loggingpkg.LogFields
}

type logRecorder struct {
	mu      sync.Mutex
	entries []loggedEntry
}

// captureLogger is a ServiceLogger that keeps every entry for assertions.
type captureLogger struct {
	rec    *logRecorder
	fields loggingpkg.LogFields
}

func newCaptureLogger() *captureLogger {
	return &captureLogger{rec: &logRecorder{}}
}

func (l *captureLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger {
	return &captureLogger{rec: l.rec, fields: l.fields.Merge(fields)}
}

func (l *captureLogger) log(level, msg string, err error, fields loggingpkg.LogFields) {
	l.rec.mu.Lock()
	defer l.rec.mu.Unlock()
	l.rec.entries = append(l.rec.entries, loggedEntry{level: level, msg: msg, err: err, fields: l.fields.Merge(fields)})
}

func (l *captureLogger) Debug(msg string, fields loggingpkg.LogFields) { l.log("debug", msg, nil, fields) }
func (l *captureLogger) Info(msg string, fields loggingpkg.LogFields)  { l.log("info", msg, nil, fields) }
func (l *captureLogger) Trace(msg string, fields loggingpkg.LogFields) { l.log("trace", msg, nil, fields) }
func (l *captureLogger) Error(msg string, err error, fields loggingpkg.LogFields) {
	l.log("error", msg, err, fields)
}

// find returns every entry logged with msg.
func (l *captureLogger) find(msg string) []loggedEntry {
	l.rec.mu.Lock()
	defer l.rec.mu.Unlock()
	var out []loggedEntry
	for _, e := range l.rec.entries {
		if e.msg == msg {
			out = append(out, e)
		}
	}
	return out
}

func (l *captureLogger) messages() []string {
	l.rec.mu.Lock()
	defer l.rec.mu.Unlock()
	out := make([]string, 0, len(l.rec.entries))
	for _, e := range l.rec.entries {
		out = append(out, e.msg)
	}
	return out
}

type testEnv struct {
	system   *System
	broker   *memory.Broker
	recorder *metricspkg.Recorder
	logger   *captureLogger
}

// newTestEnv builds a System on a private in-memory broker.
func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	broker := memory.NewBroker()
	registry := transportpkg.NewRegistry()
	registry.RegisterWithCapabilities(memory.TransportName, broker.Build, transportpkg.MemoryCapabilities)

	env := &testEnv{
		broker:   broker,
		recorder: metricspkg.NewRecorder(),
		logger:   newCaptureLogger(),
	}
	conf := &configpkg.Config{
		Transport:        memory.TransportName,
		QueuePrefix:      "test",
		PeriodicInterval: 20 * time.Millisecond,
	}
	all := append([]Option{WithRegistry(registry), WithObserver(env.recorder)}, opts...)
	system, err := NewSystem(conf, env.logger, all...)
	require.NoError(t, err)
	env.system = system
	t.Cleanup(func() { _ = system.Stop() })
	return env
}

func (e *testEnv) start(t *testing.T) {
	t.Helper()
	require.NoError(t, e.system.Start(context.Background()))
}

// attempts collects calls of a handler across goroutines.
type attempts struct {
	mu  sync.Mutex
	ids []string
}

func (a *attempts) add(id string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ids = append(a.ids, id)
	return len(a.ids)
}

func (a *attempts) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.ids)
}

func (a *attempts) messageIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.ids)
}
