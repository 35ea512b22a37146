package pressure

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Handler reacts to a pressure level and reports whether it released
// anything.
type Handler interface {
	OnPressure(level Level) bool
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(Level) bool

func (f HandlerFunc) OnPressure(l Level) bool { return f(l) }

// Dispatcher fans pressure signals out to registered handlers.
type Dispatcher struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]Handler
	log      *slog.Logger
}

func NewDispatcher(log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{handlers: make(map[int]Handler), log: log}
}

// Register adds h and returns a function that removes it.
func (d *Dispatcher) Register(h Handler) func() {
	d.mu.Lock()
	id := d.next
	d.next++
	d.handlers[id] = h
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.handlers, id)
		d.mu.Unlock()
	}
}

// Signal delivers level to every handler concurrently and waits for them.
// It returns how many handlers released their resource. Handlers not yet
// started when ctx ends are skipped.
func (d *Dispatcher) Signal(ctx context.Context, level Level) int {
	d.mu.RLock()
	hs := make([]Handler, 0, len(d.handlers))
	for _, h := range d.handlers {
		hs = append(hs, h)
	}
	d.mu.RUnlock()

	var released atomic.Int32
	var g errgroup.Group
	for _, h := range hs {
		h := h
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if h.OnPressure(level) {
				released.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	n := int(released.Load())
	d.log.Info("pressure signalled", "level", level.String(), "handlers", len(hs), "released", n)
	return n
}
