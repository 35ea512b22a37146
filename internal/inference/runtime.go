// Package inference binds feature modules to model artifacts through a
// lifecycle guard. The runtime that turns an artifact into an executable
// resource is pluggable.
package inference

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/tinoosan/modeld/internal/data"
)

// Resource is a constructed inference resource.
type Resource interface {
	Close() error
}

// Runtime constructs a Resource from a ready cache entry.
type Runtime interface {
	Load(ctx context.Context, entry data.CacheEntry) (Resource, error)
}

// FileRuntime reads the primary artifact and its auxiliary files into
// memory. It stands in for an accelerator-backed runtime.
type FileRuntime struct{}

// FileResource is the in-memory form produced by FileRuntime.
type FileResource struct {
	ModelID   string
	Format    string
	Weights   []byte
	Auxiliary map[string][]byte

	mu     sync.Mutex
	closed bool
}

func (FileRuntime) Load(ctx context.Context, entry data.CacheEntry) (Resource, error) {
	if !entry.Ready() {
		return nil, fmt.Errorf("%w: %s", data.ErrModelNotReady, entry.ID)
	}
	b, err := os.ReadFile(entry.Path)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := &FileResource{ModelID: entry.ID, Format: entry.Format, Weights: b}
	for name, p := range entry.AuxiliaryPaths {
		ab, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read auxiliary %s: %w", name, err)
		}
		if r.Auxiliary == nil {
			r.Auxiliary = make(map[string][]byte)
		}
		r.Auxiliary[name] = ab
	}
	return r, nil
}

// Size is the number of bytes held in memory.
func (r *FileResource) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.Weights)
	for _, b := range r.Auxiliary {
		n += len(b)
	}
	return n
}

func (r *FileResource) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *FileResource) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.Weights = nil
	r.Auxiliary = nil
	return nil
}
