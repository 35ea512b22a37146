package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/tinoosan/modeld/internal/data"
	"github.com/tinoosan/modeld/internal/events"
	"github.com/tinoosan/modeld/internal/lifecycle"
	"github.com/tinoosan/modeld/internal/pressure"
)

var ErrUnknownModule = errors.New("unknown module")

// ModuleConfig names a feature module and the model it runs on.
type ModuleConfig struct {
	Name  string `mapstructure:"name" json:"name"`
	Model string `mapstructure:"model" json:"model"`
}

// Readiness resolves ready cache entries; registry.Registry implements it.
type Readiness interface {
	Ready(id string) (data.CacheEntry, error)
}

// Deps are shared by every module in a Set.
type Deps struct {
	Runtime    Runtime
	Registry   Readiness
	Bus        *events.Bus
	Dispatcher *pressure.Dispatcher
	Policy     pressure.Policy
	Log        *slog.Logger
}

// Module is one feature (e.g. entity extraction) holding at most one
// constructed resource.
type Module struct {
	cfg        ModuleConfig
	guard      *lifecycle.Guard[Resource]
	reg        Readiness
	bus        *events.Bus
	unregister func()
}

// ModuleStatus is a point-in-time view of a module.
type ModuleStatus struct {
	Name       string          `json:"name"`
	Model      string          `json:"model"`
	State      lifecycle.State `json:"state"`
	Loads      int             `json:"loads"`
	Leases     int             `json:"leases"`
	LastAccess *time.Time      `json:"lastAccess,omitempty"`
}

func NewModule(cfg ModuleConfig, deps Deps) *Module {
	rt := deps.Runtime
	if rt == nil {
		rt = FileRuntime{}
	}
	m := &Module{cfg: cfg, reg: deps.Registry, bus: deps.Bus}
	m.guard = lifecycle.New(lifecycle.Options[Resource]{
		Name:    cfg.Name,
		ModelID: cfg.Model,
		Resolve: func(id string) (data.CacheEntry, error) { return m.reg.Ready(id) },
		Load:    rt.Load,
		Release: func(r Resource) error { return r.Close() },
		Policy:  deps.Policy,
		Log:     deps.Log,
	})
	if deps.Dispatcher != nil {
		m.unregister = deps.Dispatcher.Register(m.guard)
	}
	return m
}

func (m *Module) Name() string  { return m.cfg.Name }
func (m *Module) Model() string { return m.cfg.Model }

// Acquire leases the module's resource, constructing it on first use. It
// fails with data.ErrModelNotReady when the artifact is not in the cache.
func (m *Module) Acquire(ctx context.Context) (*lifecycle.Lease[Resource], error) {
	return m.guard.Acquire(ctx)
}

func (m *Module) Unload() bool { return m.guard.Unload() }

func (m *Module) OnPressure(level pressure.Level) bool { return m.guard.OnPressure(level) }

// WaitReady waits up to timeout for the module's model artifact to become
// ready. It returns false on timeout without error.
func (m *Module) WaitReady(ctx context.Context, timeout time.Duration) bool {
	var sub *events.Subscription
	if m.bus != nil {
		sub = m.bus.Subscribe()
		defer sub.Close()
	}
	if _, err := m.reg.Ready(m.cfg.Model); err == nil {
		return true
	}
	if sub == nil {
		return false
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	for {
		select {
		case e, ok := <-sub.C():
			if !ok {
				return false
			}
			if e.ModelID == m.cfg.Model && e.Type == events.TypeReady {
				return true
			}
		case <-t.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func (m *Module) Status() ModuleStatus {
	st := ModuleStatus{
		Name:   m.cfg.Name,
		Model:  m.cfg.Model,
		State:  m.guard.State(),
		Loads:  m.guard.Loads(),
		Leases: m.guard.Leases(),
	}
	if la := m.guard.LastAccess(); !la.IsZero() {
		st.LastAccess = &la
	}
	return st
}

// Close detaches the module from pressure signals and releases its resource.
func (m *Module) Close() {
	if m.unregister != nil {
		m.unregister()
	}
	m.guard.Unload()
}

// Set holds the configured modules by name.
type Set struct {
	mods map[string]*Module
}

func NewSet(cfgs []ModuleConfig, deps Deps) (*Set, error) {
	s := &Set{mods: make(map[string]*Module, len(cfgs))}
	for _, c := range cfgs {
		if c.Name == "" || c.Model == "" {
			return nil, fmt.Errorf("module needs a name and a model: %+v", c)
		}
		if _, dup := s.mods[c.Name]; dup {
			return nil, fmt.Errorf("duplicate module %q", c.Name)
		}
		s.mods[c.Name] = NewModule(c, deps)
	}
	return s, nil
}

func (s *Set) Get(name string) (*Module, error) {
	m, ok := s.mods[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModule, name)
	}
	return m, nil
}

// List returns module statuses sorted by name.
func (s *Set) List() []ModuleStatus {
	out := make([]ModuleStatus, 0, len(s.mods))
	for _, m := range s.mods {
		out = append(out, m.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ForModel returns the modules bound to model id.
func (s *Set) ForModel(id string) []*Module {
	var out []*Module
	for _, m := range s.mods {
		if m.cfg.Model == id {
			out = append(out, m)
		}
	}
	return out
}

// WatchIdle runs every module's idle watcher until ctx ends.
func (s *Set) WatchIdle(ctx context.Context, every time.Duration) {
	for _, m := range s.mods {
		go m.guard.WatchIdle(ctx, every)
	}
}

func (s *Set) Close() {
	for _, m := range s.mods {
		m.Close()
	}
}

// UnloadModel releases every module bound to model id and returns how many
// held a resource.
func (s *Set) UnloadModel(id string) int {
	n := 0
	for _, m := range s.ForModel(id) {
		if m.Unload() {
			n++
		}
	}
	return n
}
