// Package ratelimit spaces out repeated deliveries of the same message to the
// same handler.
//
// The first caller for a key proceeds at once and opens a cooldown window.
// Callers arriving for the same key while the window is open wait for it to
// close and then proceed; nothing is dropped. Distinct keys never interact.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Key identifies one (message, handler) pair.
type Key struct {
	MessageID string
	Handler   string
}

// Limiter tracks open cooldown windows.
type Limiter struct {
	delay time.Duration

	mu      sync.Mutex
	pending map[Key]chan struct{}

	// afterFunc is swapped in tests.
	afterFunc func(time.Duration, func()) *time.Timer
}

// New returns a Limiter with the given cooldown.
func New(delay time.Duration) *Limiter {
	return &Limiter{
		delay:     delay,
		pending:   make(map[Key]chan struct{}),
		afterFunc: time.AfterFunc,
	}
}

// Wait blocks while a cooldown for key is open, then opens a new one and
// returns. It only fails when ctx is done first.
func (l *Limiter) Wait(ctx context.Context, key Key) error {
	for {
		l.mu.Lock()
		done, busy := l.pending[key]
		if !busy {
			done = make(chan struct{})
			l.pending[key] = done
			l.mu.Unlock()
			l.afterFunc(l.delay, func() { l.clear(key, done) })
			return nil
		}
		l.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *Limiter) clear(key Key, done chan struct{}) {
	l.mu.Lock()
	if l.pending[key] == done {
		delete(l.pending, key)
	}
	l.mu.Unlock()
	close(done)
}

// Len reports the number of open cooldown windows.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}
