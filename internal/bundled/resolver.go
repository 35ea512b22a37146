// Package bundled resolves model artifacts shipped inside the application
// package and materializes them into the cache store without network access.
package bundled

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"strings"
	"sync"

	"github.com/tinoosan/modeld/internal/cache"
	"github.com/tinoosan/modeld/internal/data"
	"github.com/tinoosan/modeld/internal/integrity"
)

// Extensions lists the artifact formats looked up, in priority order.
var Extensions = []string{".tflite", ".onnx", ".gguf", ".bin"}

const (
	// auxSuffix names the optional vocabulary shipped next to a bundled
	// artifact, e.g. ner.vocab.txt.
	auxSuffix = ".vocab.txt"
	auxName   = "vocab.txt"
)

// Resolver looks artifacts up in a read-only file system. Bundled content is
// trusted: only the minimum-size check applies.
type Resolver struct {
	fsys     fs.FS
	dir      string
	store    cache.Store
	minBytes int64
	log      *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New builds a resolver over fsys. dir is the directory inside fsys that
// holds the artifacts ("." for the root).
func New(fsys fs.FS, dir string, store cache.Store, minBytes int64, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	if dir == "" {
		dir = "."
	}
	return &Resolver{
		fsys:     fsys,
		dir:      dir,
		store:    store,
		minBytes: minBytes,
		log:      log,
		locks:    make(map[string]*sync.Mutex),
	}
}

// Has reports whether id ships with the application.
func (r *Resolver) Has(id string) bool {
	_, _, ok := r.find(id)
	return ok
}

// Materialize copies the bundled artifact for id into the store. When the
// store already holds a ready entry for id it is returned without copying.
func (r *Resolver) Materialize(ctx context.Context, id string) (data.CacheEntry, error) {
	if err := cache.ValidateID(id); err != nil {
		return data.CacheEntry{}, err
	}
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if e, err := r.store.EntryFor(id); err == nil && e.Ready() {
		return e, nil
	}

	name, format, ok := r.find(id)
	if !ok {
		return data.CacheEntry{}, fmt.Errorf("%w: %s", data.ErrNotBundled, id)
	}

	src, err := r.fsys.Open(name)
	if err != nil {
		return data.CacheEntry{}, fmt.Errorf("open bundled %s: %w", name, err)
	}
	defer src.Close()

	w, err := r.store.BeginWrite(id)
	if err != nil {
		return data.CacheEntry{}, err
	}
	if _, err := cache.Copy(ctx, w, src); err != nil {
		w.Abort()
		if ctx.Err() != nil {
			return data.CacheEntry{}, err
		}
		return data.CacheEntry{}, fmt.Errorf("%w: copy bundled %s: %v", data.ErrCacheWrite, name, err)
	}
	if err := integrity.VerifyMinimumSize(w.Size(), r.minBytes); err != nil {
		w.Abort()
		return data.CacheEntry{}, err
	}

	desc := data.ModelDescriptor{ID: id, Format: format, SizeBytes: w.Size()}
	entry, err := r.store.Commit(id, w, desc, data.SourceBundled)
	if err != nil {
		return data.CacheEntry{}, err
	}

	auxPath := path.Join(r.dir, id+auxSuffix)
	if f, err := r.fsys.Open(auxPath); err == nil {
		p, err := r.store.PutAuxiliary(ctx, id, auxName, f)
		f.Close()
		if err != nil {
			r.log.Warn("bundled auxiliary copy failed", "model_id", id, "file", auxPath, "err", err)
		} else {
			entry.AuxiliaryPaths = map[string]string{auxName: p}
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		r.log.Warn("bundled auxiliary unreadable", "model_id", id, "file", auxPath, "err", err)
	}

	r.log.Info("materialized bundled model", "model_id", id, "format", format, "bytes", entry.SizeBytes)
	return entry, nil
}

func (r *Resolver) find(id string) (name, format string, ok bool) {
	if r == nil || r.fsys == nil || cache.ValidateID(id) != nil {
		return "", "", false
	}
	for _, ext := range Extensions {
		p := path.Join(r.dir, id+ext)
		info, err := fs.Stat(r.fsys, p)
		if err == nil && info.Mode().IsRegular() {
			return p, strings.TrimPrefix(ext, "."), true
		}
	}
	return "", "", false
}

func (r *Resolver) lockFor(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.locks[id]
	if l == nil {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	return l
}
