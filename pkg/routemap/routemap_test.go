package routemap

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/plane-run/plane/pkg/types"
)

type fakeResolver struct {
	calls    int32
	delay    time.Duration
	route    *types.RouteInfo
	notFound bool
}

func (f *fakeResolver) ResolveRoute(ctx context.Context, token types.BearerToken) (*types.RouteInfo, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.notFound {
		return nil, nil
	}
	return f.route, nil
}

func TestLookupCoalescesConcurrentMisses(t *testing.T) {
	resolver := &fakeResolver{delay: 20 * time.Millisecond, route: &types.RouteInfo{BackendId: "b1", Address: "127.0.0.1:1", BackendReady: true}}
	m := New(resolver)

	var wg sync.WaitGroup
	results := make([]*types.RouteInfo, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			route, _, err := m.Lookup(context.Background(), "tok")
			if err != nil {
				t.Errorf("lookup %d: %v", i, err)
			}
			results[i] = route
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&resolver.calls); got != 1 {
		t.Fatalf("expected exactly 1 resolver call, got %d", got)
	}
	for i, r := range results {
		if r == nil || r.BackendId != "b1" {
			t.Errorf("result %d: expected b1, got %+v", i, r)
		}
	}
}

func TestLookupCachesResolvedRouteUntilTTL(t *testing.T) {
	resolver := &fakeResolver{route: &types.RouteInfo{BackendId: "b1", BackendReady: true}}
	m := New(resolver)

	if _, _, err := m.Lookup(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := m.Lookup(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&resolver.calls); got != 1 {
		t.Fatalf("expected cached second lookup to skip resolver, got %d calls", got)
	}
}

func TestLookupNotFoundReturnsFalse(t *testing.T) {
	resolver := &fakeResolver{notFound: true}
	m := New(resolver)

	route, found, err := m.Lookup(context.Background(), "missing")
	if err != nil {
		t.Fatal(err)
	}
	if found || route != nil {
		t.Fatalf("expected not found, got %+v, %v", route, found)
	}
}

func TestLookupNotFoundIsCachedUntilTTL(t *testing.T) {
	resolver := &fakeResolver{notFound: true}
	m := New(resolver)

	if _, found, err := m.Lookup(context.Background(), "missing"); err != nil || found {
		t.Fatalf("expected not found, got found=%v err=%v", found, err)
	}
	if _, found, err := m.Lookup(context.Background(), "missing"); err != nil || found {
		t.Fatalf("expected cached not-found, got found=%v err=%v", found, err)
	}
	if got := atomic.LoadInt32(&resolver.calls); got != 1 {
		t.Fatalf("expected negative entry to be cached, resolver called %d times", got)
	}
	if m.Size() != 1 {
		t.Fatalf("expected the negative entry to remain cached, got %d entries", m.Size())
	}
}

func TestRemoveEvictsEntry(t *testing.T) {
	resolver := &fakeResolver{route: &types.RouteInfo{BackendId: "b1", BackendReady: true}}
	m := New(resolver)

	if _, _, err := m.Lookup(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}
	if m.Size() != 1 {
		t.Fatalf("expected 1 entry, got %d", m.Size())
	}
	m.Remove("tok")
	if m.Size() != 0 {
		t.Fatalf("expected 0 entries after Remove, got %d", m.Size())
	}
}
