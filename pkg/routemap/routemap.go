// Package routemap is the proxy's in-memory token->RouteInfo cache: on a
// miss it coalesces concurrent lookups behind a single RouteInfoRequest to
// the controller, then caches the answer for a TTL that depends on backend
// readiness.
package routemap

import (
	"context"
	"sync"
	"time"

	"github.com/plane-run/plane/pkg/types"
)

const (
	readyTTL    = 5 * time.Minute
	notReadyTTL = 60 * time.Second
)

// Resolver issues the RouteInfoRequest to the controller over the proxy's
// typed socket and waits for the correlated response.
type Resolver interface {
	ResolveRoute(ctx context.Context, token types.BearerToken) (*types.RouteInfo, error)
}

// entry is one cached (or in-flight) lookup.
type entry struct {
	route    *types.RouteInfo // nil means "known not to exist" (410 Gone)
	expireAt time.Time
	waiters  []chan lookupResult
}

type lookupResult struct {
	route *types.RouteInfo
	found bool
}

// Map is the proxy's route cache. Safe for concurrent use.
type Map struct {
	resolver Resolver

	mu      sync.Mutex
	entries map[types.BearerToken]*entry

	coalescedTotal func()
	sizeGauge      func(int)
}

// Option configures optional instrumentation hooks.
type Option func(*Map)

// WithCoalesceCounter registers a callback invoked once per lookup that
// attached to an in-flight request instead of issuing a new one.
func WithCoalesceCounter(f func()) Option {
	return func(m *Map) { m.coalescedTotal = f }
}

// WithSizeGauge registers a callback invoked with the current entry count
// after every mutation.
func WithSizeGauge(f func(int)) Option {
	return func(m *Map) { m.sizeGauge = f }
}

// New constructs a Map backed by resolver.
func New(resolver Resolver, opts ...Option) *Map {
	m := &Map{resolver: resolver, entries: make(map[types.BearerToken]*entry)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Lookup resolves token to a route, coalescing concurrent lookups for the
// same unresolved token onto a single controller request. It returns
// (route, true) on a resolved hit, (nil, false) if the controller reports
// the token does not exist.
func (m *Map) Lookup(ctx context.Context, token types.BearerToken) (*types.RouteInfo, bool, error) {
	m.mu.Lock()
	e, ok := m.entries[token]
	now := time.Now()

	if ok && !e.expireAt.IsZero() && now.Before(e.expireAt) {
		route := e.route
		m.mu.Unlock()
		return route, route != nil, nil
	}

	if ok && e.expireAt.IsZero() {
		// Resolution already in flight: attach a waiter, no new request.
		ch := make(chan lookupResult, 1)
		e.waiters = append(e.waiters, ch)
		m.mu.Unlock()
		if m.coalescedTotal != nil {
			m.coalescedTotal()
		}
		return m.await(ctx, ch)
	}

	// Miss or stale: become the resolver for this token.
	e = &entry{}
	m.entries[token] = e
	m.mu.Unlock()
	m.notifySize()

	route, err := m.resolver.ResolveRoute(ctx, token)

	m.mu.Lock()
	waiters := e.waiters
	e.waiters = nil
	if err != nil {
		// Drop the entry so the next caller retries; do not cache a
		// transport failure.
		delete(m.entries, token)
		m.mu.Unlock()
		m.notifySize()
		for _, w := range waiters {
			w <- lookupResult{found: false}
			close(w)
		}
		return nil, false, err
	}

	ttl := notReadyTTL
	if route != nil && route.BackendReady {
		ttl = readyTTL
	}
	e.route = route
	e.expireAt = now.Add(ttl)
	m.mu.Unlock()
	m.notifySize()

	for _, w := range waiters {
		w <- lookupResult{route: route, found: route != nil}
		close(w)
	}
	return route, route != nil, nil
}

func (m *Map) await(ctx context.Context, ch chan lookupResult) (*types.RouteInfo, bool, error) {
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		return res.route, res.found, nil
	}
}

// Remove evicts token immediately, e.g. on an explicit BackendRemoved push
// from the controller.
func (m *Map) Remove(token types.BearerToken) {
	m.mu.Lock()
	delete(m.entries, token)
	m.mu.Unlock()
	m.notifySize()
}

// Size reports the current number of cached entries (including in-flight
// placeholders), mainly for tests and the RouteMapSize gauge.
func (m *Map) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Map) notifySize() {
	if m.sizeGauge != nil {
		m.sizeGauge(m.Size())
	}
}
