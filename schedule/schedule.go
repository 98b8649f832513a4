// Package schedule provides cancellable delayed callbacks.
//
// Controllers never sleep. Every delayed transition is a Timer obtained from a
// Clock, and the owner stops it on teardown.
package schedule

import (
	"sort"
	"sync"
	"time"
)

// Timer is a pending callback.
type Timer interface {
	// Stop cancels the callback. It reports whether the call stopped the
	// timer, false if it already fired or was already stopped.
	Stop() bool
}

// Clock schedules callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

// Real returns a Clock backed by the runtime timers.
func Real() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Manual is a Clock that only moves when Advance is called. Callbacks run on
// the goroutine calling Advance.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	seq     int
	pending []*manualTimer
}

type manualTimer struct {
	clock *Manual
	at    time.Time
	seq   int
	f     func()
}

// NewManual returns a Manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// AfterFunc schedules f to run once the clock has advanced by d.
func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	t := &manualTimer{clock: m, at: m.now.Add(d), seq: m.seq, f: f}
	m.pending = append(m.pending, t)
	return t
}

// Pending returns the number of timers that have neither fired nor been
// stopped.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Advance moves the clock forward by d and runs every callback that became
// due, in deadline order. Callbacks scheduled while advancing run too when
// their deadline falls inside the window.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		sort.SliceStable(m.pending, func(i, j int) bool {
			if m.pending[i].at.Equal(m.pending[j].at) {
				return m.pending[i].seq < m.pending[j].seq
			}
			return m.pending[i].at.Before(m.pending[j].at)
		})
		if len(m.pending) == 0 || m.pending[0].at.After(target) {
			m.now = target
			m.mu.Unlock()
			return
		}
		next := m.pending[0]
		m.pending = m.pending[1:]
		m.now = next.at
		m.mu.Unlock()

		next.f()
	}
}

func (t *manualTimer) Stop() bool {
	m := t.clock
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, p := range m.pending {
		if p == t {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return true
		}
	}
	return false
}
