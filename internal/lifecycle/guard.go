// Package lifecycle guards a lazily constructed, memory-heavy resource that
// is built from a ready model artifact and released under memory pressure.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinoosan/modeld/internal/data"
	"github.com/tinoosan/modeld/internal/metrics"
	"github.com/tinoosan/modeld/internal/pressure"
)

type State int

const (
	Unloaded State = iota
	Loading
	Ready
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "unloaded":
		*s = Unloaded
	case "loading":
		*s = Loading
	case "ready":
		*s = Ready
	default:
		return fmt.Errorf("unknown resource state %q", b)
	}
	return nil
}

// Options configure a Guard. Resolve and Load are required.
type Options[T any] struct {
	// Name labels logs and metrics, typically the feature module name.
	Name    string
	ModelID string

	// Resolve returns the ready cache entry for ModelID or an error wrapping
	// data.ErrModelNotReady.
	Resolve func(id string) (data.CacheEntry, error)
	Load    func(ctx context.Context, entry data.CacheEntry) (T, error)
	// Release frees a constructed value. Optional.
	Release func(T) error

	Policy pressure.Policy
	Now    func() time.Time
	Log    *slog.Logger
}

// Guard holds at most one constructed T. Construction is single-flight and
// release waits until no lease is outstanding.
type Guard[T any] struct {
	opts Options[T]
	log  *slog.Logger

	mu         sync.Mutex
	cond       *sync.Cond
	state      State
	releasing  bool
	value      T
	leases     int
	lastAccess time.Time
	loads      int
}

func New[T any](opts Options[T]) *Guard[T] {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Name == "" {
		opts.Name = opts.ModelID
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	g := &Guard[T]{
		opts: opts,
		log:  log.With("module", opts.Name, "model_id", opts.ModelID),
	}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Lease is a borrowed reference to the guarded value. The value must not be
// used after Release.
type Lease[T any] struct {
	g     *Guard[T]
	value T
	once  sync.Once
}

func (l *Lease[T]) Value() T { return l.value }

func (l *Lease[T]) Release() {
	l.once.Do(func() {
		g := l.g
		g.mu.Lock()
		g.leases--
		g.lastAccess = g.opts.Now()
		if g.leases == 0 {
			g.cond.Broadcast()
		}
		g.mu.Unlock()
	})
}

// Acquire returns a lease on the value, constructing it first when needed.
// Concurrent callers during construction wait for the single in-flight load.
func (g *Guard[T]) Acquire(ctx context.Context) (*Lease[T], error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch {
		case g.releasing || g.state == Loading:
			g.waitLocked(ctx)
		case g.state == Ready:
			g.leases++
			g.lastAccess = g.opts.Now()
			return &Lease[T]{g: g, value: g.value}, nil
		default:
			g.state = Loading
			g.mu.Unlock()
			v, err := g.construct(ctx)
			g.mu.Lock()
			if err != nil {
				g.state = Unloaded
				g.cond.Broadcast()
				return nil, err
			}
			g.value = v
			g.state = Ready
			g.loads++
			g.lastAccess = g.opts.Now()
			g.cond.Broadcast()
		}
	}
}

func (g *Guard[T]) construct(ctx context.Context) (T, error) {
	var zero T
	entry, err := g.opts.Resolve(g.opts.ModelID)
	if err != nil {
		metrics.ResourceLoads.WithLabelValues(g.opts.Name, "not_ready").Inc()
		return zero, err
	}
	if !entry.Ready() {
		metrics.ResourceLoads.WithLabelValues(g.opts.Name, "not_ready").Inc()
		return zero, fmt.Errorf("%w: %s", data.ErrModelNotReady, g.opts.ModelID)
	}

	start := time.Now()
	v, err := g.opts.Load(ctx, entry)
	metrics.ResourceLoadLatency.WithLabelValues(g.opts.Name).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ResourceLoads.WithLabelValues(g.opts.Name, "error").Inc()
		g.log.Error("construct resource", "path", entry.Path, "err", err)
		return zero, fmt.Errorf("load %s: %w", g.opts.ModelID, err)
	}
	metrics.ResourceLoads.WithLabelValues(g.opts.Name, "ok").Inc()
	g.log.Info("resource loaded", "path", entry.Path, "elapsed", time.Since(start))
	return v, nil
}

// Do runs fn with a leased value.
func (g *Guard[T]) Do(ctx context.Context, fn func(T) error) error {
	l, err := g.Acquire(ctx)
	if err != nil {
		return err
	}
	defer l.Release()
	return fn(l.Value())
}

// Unload releases the value. It waits for an in-flight load and for every
// outstanding lease, and reports whether a value was released.
func (g *Guard[T]) Unload() bool {
	return g.unload("explicit", nil)
}

// unload releases the value once no lease is outstanding. A non-nil evict is
// consulted under the lock after the leases drain; returning false keeps the
// value.
func (g *Guard[T]) unload(reason string, evict func(idle time.Duration) bool) bool {
	g.mu.Lock()
	for g.state == Loading || g.releasing {
		g.cond.Wait()
	}
	if g.state != Ready {
		g.mu.Unlock()
		return false
	}
	g.releasing = true
	for g.leases > 0 {
		g.cond.Wait()
	}
	if evict != nil && !evict(g.idleLocked()) {
		g.releasing = false
		g.cond.Broadcast()
		g.mu.Unlock()
		g.log.Debug("resource used while release was pending, retaining", "reason", reason)
		return false
	}
	v := g.value
	var zero T
	g.value = zero
	g.mu.Unlock()

	if g.opts.Release != nil {
		if err := g.opts.Release(v); err != nil {
			g.log.Warn("release resource", "err", err)
		}
	}

	g.mu.Lock()
	g.state = Unloaded
	g.releasing = false
	g.cond.Broadcast()
	g.mu.Unlock()

	metrics.ResourceEvictions.WithLabelValues(g.opts.Name, reason).Inc()
	g.log.Info("resource released", "reason", reason)
	return true
}

// OnPressure applies the policy for level and reports whether the value was
// released.
func (g *Guard[T]) OnPressure(level pressure.Level) bool {
	g.mu.Lock()
	if g.state != Ready || g.releasing {
		g.mu.Unlock()
		return false
	}
	idle := g.idleLocked()
	g.mu.Unlock()

	if !g.opts.Policy.ShouldEvict(level, idle) {
		g.log.Debug("retaining resource under pressure", "level", level.String(), "idle", idle)
		return false
	}
	return g.unload(level.String(), func(idle time.Duration) bool {
		return g.opts.Policy.ShouldEvict(level, idle)
	})
}

// WatchIdle releases the value once it has been idle longer than the
// policy's IdleTimeout. It returns when ctx ends.
func (g *Guard[T]) WatchIdle(ctx context.Context, every time.Duration) {
	if g.opts.Policy.IdleTimeout <= 0 {
		return
	}
	if every <= 0 {
		every = g.opts.Policy.IdleTimeout / 2
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			g.mu.Lock()
			expired := g.state == Ready && !g.releasing && g.opts.Policy.Expired(g.idleLocked())
			g.mu.Unlock()
			if expired {
				g.unload("idle", g.opts.Policy.Expired)
			}
		}
	}
}

// WaitReady waits up to timeout for the value to be constructed. It returns
// false on timeout or when ctx ends.
func (g *Guard[T]) WaitReady(ctx context.Context, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.state != Ready || g.releasing {
		if ctx.Err() != nil {
			return false
		}
		g.waitLocked(ctx)
	}
	return true
}

func (g *Guard[T]) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Loads counts successful constructions.
func (g *Guard[T]) Loads() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.loads
}

func (g *Guard[T]) Leases() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.leases
}

func (g *Guard[T]) LastAccess() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastAccess
}

func (g *Guard[T]) Name() string    { return g.opts.Name }
func (g *Guard[T]) ModelID() string { return g.opts.ModelID }

// idleLocked is zero while a lease is outstanding.
func (g *Guard[T]) idleLocked() time.Duration {
	if g.leases > 0 {
		return 0
	}
	return g.opts.Now().Sub(g.lastAccess)
}

// waitLocked waits on the condition variable, waking early when ctx ends.
// g.mu must be held.
func (g *Guard[T]) waitLocked(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() {
		g.mu.Lock()
		g.cond.Broadcast()
		g.mu.Unlock()
	})
	g.cond.Wait()
	stop()
}
