// Package clock provides the engine's time source.
package clock

import (
	"sync"
	"time"
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// New returns a clock backed by the system time, in UTC.
func New() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Managed is a hand-driven clock for tests.
type Managed struct {
	mu  sync.Mutex
	now time.Time
}

// NewManaged returns a managed clock fixed at start.
func NewManaged(start time.Time) *Managed {
	return &Managed{now: start}
}

// Now returns the managed time.
func (m *Managed) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// WarpForward moves the clock forward by d and returns the new time.
func (m *Managed) WarpForward(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}

// Set pins the clock to t.
func (m *Managed) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}
