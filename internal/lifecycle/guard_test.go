package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tinoosan/modeld/internal/data"
	"github.com/tinoosan/modeld/internal/pressure"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type resource struct{ closed atomic.Bool }

type harness struct {
	guard    *Guard[*resource]
	clock    *fakeClock
	loads    atomic.Int32
	releases atomic.Int32
	ready    atomic.Bool
	loadErr  error
}

func newHarness(t *testing.T, policy pressure.Policy, loadDelay time.Duration) *harness {
	t.Helper()
	h := &harness{clock: &fakeClock{t: time.Unix(1_700_000_000, 0)}}
	h.ready.Store(true)
	h.guard = New(Options[*resource]{
		Name:    "ner",
		ModelID: "ner-model",
		Resolve: func(id string) (data.CacheEntry, error) {
			if !h.ready.Load() {
				return data.CacheEntry{}, fmt.Errorf("%w: %s", data.ErrModelNotReady, id)
			}
			return data.CacheEntry{ID: id, State: data.StateReady, Path: "/cache/" + id}, nil
		},
		Load: func(ctx context.Context, e data.CacheEntry) (*resource, error) {
			h.loads.Add(1)
			time.Sleep(loadDelay)
			if h.loadErr != nil {
				return nil, h.loadErr
			}
			return &resource{}, nil
		},
		Release: func(r *resource) error {
			r.closed.Store(true)
			h.releases.Add(1)
			return nil
		},
		Policy: policy,
		Now:    h.clock.Now,
	})
	return h
}

func (h *harness) touch(t *testing.T) *resource {
	t.Helper()
	l, err := h.guard.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	v := l.Value()
	l.Release()
	return v
}

var testPolicy = pressure.Policy{ModerateIdle: 30 * time.Second, BackgroundIdle: 5 * time.Minute}

func TestCriticalPressureUnloadsIdleResource(t *testing.T) {
	h := newHarness(t, testPolicy, 0)
	r := h.touch(t)
	h.clock.Advance(2 * time.Second)

	if !h.guard.OnPressure(pressure.Critical) {
		t.Fatalf("critical pressure should release the resource")
	}
	if h.guard.State() != Unloaded || !r.closed.Load() {
		t.Fatalf("expected Unloaded and released, state=%s closed=%v", h.guard.State(), r.closed.Load())
	}
}

func TestModeratePressureRetainsRecentlyUsed(t *testing.T) {
	h := newHarness(t, testPolicy, 0)
	h.touch(t)
	h.clock.Advance(2 * time.Second)

	if h.guard.OnPressure(pressure.Moderate) {
		t.Fatalf("moderate pressure below the idle threshold must retain")
	}
	if h.guard.State() != Ready {
		t.Fatalf("expected Ready, got %s", h.guard.State())
	}

	h.clock.Advance(time.Minute)
	if !h.guard.OnPressure(pressure.Moderate) {
		t.Fatalf("moderate pressure past the idle threshold should release")
	}
}

func TestBackgroundPressure(t *testing.T) {
	h := newHarness(t, testPolicy, 0)
	h.touch(t)
	h.clock.Advance(time.Minute)
	if h.guard.OnPressure(pressure.Background) {
		t.Fatalf("background below its threshold must retain")
	}
	h.clock.Advance(5 * time.Minute)
	if !h.guard.OnPressure(pressure.Background) {
		t.Fatalf("background past its threshold should release")
	}
}

func TestConcurrentAcquireConstructsOnce(t *testing.T) {
	h := newHarness(t, testPolicy, 20*time.Millisecond)

	var wg sync.WaitGroup
	values := make([]*resource, 16)
	for i := range values {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l, err := h.guard.Acquire(context.Background())
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			values[i] = l.Value()
			l.Release()
		}(i)
	}
	wg.Wait()

	if got := h.loads.Load(); got != 1 {
		t.Fatalf("constructions = %d, want 1", got)
	}
	for i, v := range values {
		if v != values[0] {
			t.Fatalf("caller %d saw a different instance", i)
		}
	}
	if h.guard.Loads() != 1 {
		t.Fatalf("Loads = %d, want 1", h.guard.Loads())
	}
}

func TestAcquireModelNotReady(t *testing.T) {
	h := newHarness(t, testPolicy, 0)
	h.ready.Store(false)

	_, err := h.guard.Acquire(context.Background())
	if !errors.Is(err, data.ErrModelNotReady) {
		t.Fatalf("expected ErrModelNotReady, got %v", err)
	}
	if h.loads.Load() != 0 {
		t.Fatalf("loader must not run without a ready artifact")
	}
	if h.guard.State() != Unloaded {
		t.Fatalf("expected Unloaded, got %s", h.guard.State())
	}
}

func TestConstructionFailureReturnsToUnloaded(t *testing.T) {
	h := newHarness(t, testPolicy, 0)
	h.loadErr = errors.New("corrupt graph")
	if _, err := h.guard.Acquire(context.Background()); err == nil {
		t.Fatalf("expected construction error")
	}
	if h.guard.State() != Unloaded {
		t.Fatalf("expected Unloaded, got %s", h.guard.State())
	}

	h.loadErr = nil
	h.touch(t)
	if h.guard.State() != Ready || h.loads.Load() != 2 {
		t.Fatalf("expected a retry to construct: state=%s loads=%d", h.guard.State(), h.loads.Load())
	}
}

func TestUnloadWaitsForLeases(t *testing.T) {
	h := newHarness(t, testPolicy, 0)
	l, err := h.guard.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	r := l.Value()

	done := make(chan bool)
	go func() { done <- h.guard.Unload() }()

	select {
	case <-done:
		t.Fatalf("Unload returned while a lease was outstanding")
	case <-time.After(50 * time.Millisecond):
	}
	if r.closed.Load() {
		t.Fatalf("resource released while in use")
	}

	l.Release()
	select {
	case ok := <-done:
		if !ok {
			t.Fatalf("Unload should report a release")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Unload did not finish after the lease was released")
	}
	if !r.closed.Load() || h.guard.State() != Unloaded {
		t.Fatalf("expected released resource")
	}
	if h.guard.Unload() {
		t.Fatalf("second Unload should be a no-op")
	}
}

func TestWaitReady(t *testing.T) {
	h := newHarness(t, testPolicy, 0)
	if h.guard.WaitReady(context.Background(), 20*time.Millisecond) {
		t.Fatalf("WaitReady should time out while unloaded")
	}

	go func() {
		if l, err := h.guard.Acquire(context.Background()); err == nil {
			l.Release()
		}
	}()
	if !h.guard.WaitReady(context.Background(), 2*time.Second) {
		t.Fatalf("WaitReady should observe the construction")
	}
}

func TestWatchIdle(t *testing.T) {
	policy := testPolicy
	policy.IdleTimeout = time.Minute
	h := newHarness(t, policy, 0)
	h.touch(t)
	h.clock.Advance(2 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.guard.WatchIdle(ctx, 5*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for h.guard.State() != Unloaded {
		if time.Now().After(deadline) {
			t.Fatalf("idle resource was not released")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDo(t *testing.T) {
	h := newHarness(t, testPolicy, 0)
	err := h.guard.Do(context.Background(), func(r *resource) error {
		if r == nil {
			return errors.New("nil resource")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if h.guard.Leases() != 0 {
		t.Fatalf("Do must release its lease")
	}
}

func TestPressureRetainsResourceUsedWhileReleasePending(t *testing.T) {
	h := newHarness(t, testPolicy, 0)
	h.touch(t)
	h.clock.Advance(time.Minute)

	// A caller grabs the resource after the idle check passed.
	l, err := h.guard.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan bool)
	go func() {
		done <- h.guard.unload(pressure.Moderate.String(), func(idle time.Duration) bool {
			return testPolicy.ShouldEvict(pressure.Moderate, idle)
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		h.guard.mu.Lock()
		pending := h.guard.releasing
		h.guard.mu.Unlock()
		if pending {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("release never became pending")
		}
		time.Sleep(time.Millisecond)
	}
	l.Release()

	select {
	case released := <-done:
		if released {
			t.Fatalf("resource used during the pending release must be retained")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("unload did not return after the lease was released")
	}
	if h.guard.State() != Ready || h.releases.Load() != 0 {
		t.Fatalf("expected Ready with no release, state=%s releases=%d", h.guard.State(), h.releases.Load())
	}
	if _, err := h.guard.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire after retained release: %v", err)
	}
}

func TestStateUnmarshalText(t *testing.T) {
	var s State
	if err := s.UnmarshalText([]byte("ready")); err != nil || s != Ready {
		t.Fatalf("UnmarshalText(ready) = %s, %v", s, err)
	}
	if err := s.UnmarshalText([]byte("warm")); err == nil {
		t.Fatalf("expected an error for an unknown state")
	}
}
