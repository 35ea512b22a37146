// Package registry answers "what state is model X in" by combining the
// orchestrator's job table with a re-validated view of the cache store.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/tinoosan/modeld/internal/cache"
	"github.com/tinoosan/modeld/internal/data"
	"github.com/tinoosan/modeld/internal/downloader"
	"github.com/tinoosan/modeld/internal/integrity"
)

// Jobs is the part of the orchestrator the registry reads.
type Jobs interface {
	Active(id string) (*downloader.Job, bool)
	Failure(id string) (string, bool)
}

// stamp identifies one version of an artifact file on disk.
type stamp struct {
	size  int64
	mtime time.Time
}

type verdict struct {
	stamp stamp
	err   error
}

type Registry struct {
	store cache.Store
	jobs  Jobs
	log   *slog.Logger

	mu       sync.Mutex
	index    map[string]data.CacheEntry
	verified map[string]verdict
}

func New(store cache.Store, jobs Jobs, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		store:    store,
		jobs:     jobs,
		log:      log,
		index:    make(map[string]data.CacheEntry),
		verified: make(map[string]verdict),
	}
}

// Status reports the current state of id. An active job wins; otherwise the
// cache is re-validated, then any recorded failure is reported. Artifacts
// rejected by verification read as NotDownloaded.
func (r *Registry) Status(id string) data.Status {
	st := data.Status{ID: id, State: data.StateNotDownloaded}
	if err := cache.ValidateID(id); err != nil {
		st.State = data.StateError
		st.Message = err.Error()
		return st
	}

	if r.jobs != nil {
		if j, ok := r.jobs.Active(id); ok {
			p := j.Progress()
			st.State = data.StateDownloading
			st.Progress = p.Fraction
			st.BytesDownloaded = p.BytesDownloaded
			st.TotalBytes = p.TotalBytes
			return st
		}
	}

	e, err := r.Ready(id)
	if err == nil {
		st.State = data.StateReady
		st.Progress = 1
		st.Path = e.Path
		st.SizeBytes = e.SizeBytes
		st.BytesDownloaded = e.SizeBytes
		st.TotalBytes = e.SizeBytes
		st.Format = e.Format
		return st
	}
	if !errors.Is(err, data.ErrModelNotReady) {
		st.State = data.StateError
		st.Message = err.Error()
		return st
	}
	// A cached artifact that failed verification has been purged.
	if data.IsIntegrity(err) {
		return st
	}

	if r.jobs != nil {
		if msg, ok := r.jobs.Failure(id); ok {
			st.State = data.StateError
			st.Message = msg
		}
	}
	return st
}

// Ready returns the entry for id when it is usable, or an error wrapping
// ErrModelNotReady. A recorded checksum is verified once per file version.
func (r *Registry) Ready(id string) (data.CacheEntry, error) {
	e, err := r.store.EntryFor(id)
	if err != nil {
		return data.CacheEntry{}, err
	}
	if !e.Ready() {
		r.Forget(id)
		return data.CacheEntry{}, fmt.Errorf("%w: %s", data.ErrModelNotReady, id)
	}

	if err := r.checkChecksum(e); err != nil {
		r.log.Warn("cached artifact failed verification, purging", "model_id", id, "err", err)
		r.Forget(id)
		if perr := r.store.Purge(id); perr != nil {
			r.log.Error("purge", "model_id", id, "err", perr)
		}
		return data.CacheEntry{}, fmt.Errorf("%w: %w", data.ErrModelNotReady, err)
	}

	r.mu.Lock()
	r.index[id] = e.Clone()
	r.mu.Unlock()
	return e, nil
}

func (r *Registry) checkChecksum(e data.CacheEntry) error {
	if e.Checksum == "" {
		return nil
	}
	info, err := os.Stat(e.Path)
	if err != nil {
		return fmt.Errorf("%w: %v", data.ErrModelNotReady, err)
	}
	s := stamp{size: info.Size(), mtime: info.ModTime()}

	r.mu.Lock()
	v, ok := r.verified[e.ID]
	r.mu.Unlock()
	if ok && v.stamp == s {
		return v.err
	}

	verr := integrity.VerifyChecksum(e.Path, e.ChecksumAlgorithm, e.Checksum)
	r.mu.Lock()
	r.verified[e.ID] = verdict{stamp: s, err: verr}
	r.mu.Unlock()
	return verr
}

// Rebuild rescans the store into the in-memory index and returns the number
// of ready entries.
func (r *Registry) Rebuild() (int, error) {
	entries, err := r.store.List()
	if err != nil {
		return 0, err
	}
	index := make(map[string]data.CacheEntry, len(entries))
	for _, e := range entries {
		index[e.ID] = e.Clone()
	}
	r.mu.Lock()
	r.index = index
	r.verified = make(map[string]verdict)
	r.mu.Unlock()
	r.log.Info("registry rebuilt", "entries", len(index))
	return len(index), nil
}

// Entries returns the indexed ready entries sorted by id.
func (r *Registry) Entries() []data.CacheEntry {
	r.mu.Lock()
	out := make([]data.CacheEntry, 0, len(r.index))
	for _, e := range r.index {
		out = append(out, e.Clone())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Forget drops id from the index and the verification memo.
func (r *Registry) Forget(id string) {
	r.mu.Lock()
	delete(r.index, id)
	delete(r.verified, id)
	r.mu.Unlock()
}
