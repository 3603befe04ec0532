// Package connmonitor tracks active connection counts per backend on the
// proxy and emits KeepAlive events to the controller on activity, which the controller uses to compute idle time for the
// expiration sweep.
package connmonitor

import (
	"context"
	"sync"
	"time"
)

const keepAliveInterval = 10 * time.Second

// Notifier sends a fire-and-forget KeepAlive for backend to the
// controller.
type Notifier interface {
	KeepAlive(backend string)
}

type backendState struct {
	active     int
	lastActive time.Time
}

// Monitor tracks, per backend, how many connections are currently open
// and when a keep-alive was last sent.
type Monitor struct {
	notifier Notifier

	mu    sync.Mutex
	state map[string]*backendState

	activeGauge func(int)
}

// Option configures optional instrumentation hooks.
type Option func(*Monitor)

// WithActiveGauge registers a callback invoked with the total connection
// count across all backends after every mutation.
func WithActiveGauge(f func(int)) Option {
	return func(m *Monitor) { m.activeGauge = f }
}

// New constructs a Monitor that reports activity to notifier.
func New(notifier Notifier, opts ...Option) *Monitor {
	m := &Monitor{notifier: notifier, state: make(map[string]*backendState)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Opened records a new connection to backend, sending a KeepAlive if this
// is the 0->1 transition.
func (m *Monitor) Opened(backend string) {
	m.mu.Lock()
	s, ok := m.state[backend]
	if !ok {
		s = &backendState{}
		m.state[backend] = s
	}
	wasIdle := s.active == 0
	s.active++
	s.lastActive = time.Now()
	total := m.totalLocked()
	m.mu.Unlock()

	if m.activeGauge != nil {
		m.activeGauge(total)
	}
	if wasIdle {
		m.notifier.KeepAlive(backend)
	}
}

// Closed records a connection to backend ending.
func (m *Monitor) Closed(backend string) {
	m.mu.Lock()
	s, ok := m.state[backend]
	if ok {
		s.active--
		if s.active <= 0 {
			s.active = 0
		}
		s.lastActive = time.Now()
	}
	total := m.totalLocked()
	m.mu.Unlock()

	if m.activeGauge != nil {
		m.activeGauge(total)
	}
}

func (m *Monitor) totalLocked() int {
	total := 0
	for _, s := range m.state {
		total += s.active
	}
	return total
}

// Run ticks every second, sending a KeepAlive for any backend whose last
// activity exceeds the keep-alive interval (so a long-idle-but-connected
// backend is never mistaken for abandoned).
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Monitor) tick() {
	now := time.Now()
	var due []string
	m.mu.Lock()
	for backend, s := range m.state {
		if s.active > 0 && now.Sub(s.lastActive) > keepAliveInterval {
			s.lastActive = now
			due = append(due, backend)
		}
	}
	m.mu.Unlock()

	for _, backend := range due {
		m.notifier.KeepAlive(backend)
	}
}

// Forget removes backend's tracked state, e.g. once the proxy learns (via
// BackendRemoved) that it no longer exists.
func (m *Monitor) Forget(backend string) {
	m.mu.Lock()
	delete(m.state, backend)
	m.mu.Unlock()
}
