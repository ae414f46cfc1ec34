// Package exclusive provides keyed mutual exclusion for message handlers.
//
// Two callers holding equal keys never run at the same time; callers with
// different keys never wait on each other. Lock records are created on first
// use and removed as soon as the last holder or waiter is gone, so keys
// derived from unbounded identifiers do not accumulate.
package exclusive

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// ErrKeyNotComparable is returned for keys that cannot be used as map keys,
// such as slices or maps.
var ErrKeyNotComparable = errors.New("ramqp: exclusivity key is not comparable")

type entry struct {
	// sem has capacity one; holding the slot is holding the lock.
	sem  chan struct{}
	refs int
}

// Manager hands out keyed locks. The zero value is ready to use.
type Manager struct {
	mu    sync.Mutex
	locks map[any]*entry
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{}
}

// Acquire blocks until the lock for key is held or ctx is done. The returned
// release function must be called exactly once; calling it again is a no-op.
// Keys must be comparable; other keys fail with ErrKeyNotComparable and leave
// the manager untouched.
func (m *Manager) Acquire(ctx context.Context, key any) (release func(), err error) {
	e, err := m.enter(key)
	if err != nil {
		return nil, err
	}

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		m.drop(key, e, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { m.drop(key, e, true) })
	}, nil
}

// enter finds or creates the record for key and takes a reference on it.
func (m *Manager) enter(key any) (e *entry, err error) {
	if t := reflect.TypeOf(key); t != nil && !t.Comparable() {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotComparable, t)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// A comparable static type can still carry an incomparable dynamic value,
	// e.g. a struct with an interface field holding a slice.
	defer func() {
		if r := recover(); r != nil {
			e, err = nil, fmt.Errorf("%w: %v", ErrKeyNotComparable, r)
		}
	}()

	if m.locks == nil {
		m.locks = make(map[any]*entry)
	}
	e, ok := m.locks[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		m.locks[key] = e
	}
	e.refs++
	return e, nil
}

// drop removes one reference and garbage collects the record when nobody is
// left. The slot is freed under the same mutex so a new caller can never see a
// deleted record that still holds the lock.
func (m *Manager) drop(key any, e *entry, held bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
	if held {
		<-e.sem
	}
}

// Len reports the number of live lock records.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
