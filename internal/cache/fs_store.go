package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tinoosan/modeld/internal/data"
)

// Open builds a file store rooted at root, creating it when missing. Any
// temporary files left behind by a previous process are removed.
func Open(root string, opts Options) (*FileStore, error) {
	if root == "" {
		return nil, errors.New("cache root required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve cache root: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(abs, partialDir), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create cache root: %v", data.ErrCacheWrite, err)
	}
	if opts.MinArtifactBytes <= 0 {
		opts.MinArtifactBytes = DefaultMinArtifactBytes
	}
	s := &FileStore{
		root:  abs,
		opts:  opts,
		locks: make(map[string]*entryLock),
		now:   time.Now,
	}
	if err := s.sweepPartials(); err != nil {
		return nil, err
	}
	return s, nil
}

// FileStore implements Store on the local filesystem. Mutations of one id
// are serialized by a per-id lock; reads rely on rename atomicity.
type FileStore struct {
	root string
	opts Options
	now  func() time.Time

	mu    sync.Mutex
	locks map[string]*entryLock
}

var _ Store = (*FileStore)(nil)

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *FileStore) Root() string { return s.root }

// MinArtifactBytes is the plausibility floor applied by EntryFor.
func (s *FileStore) MinArtifactBytes() int64 { return s.opts.MinArtifactBytes }

func (s *FileStore) EntryFor(id string) (data.CacheEntry, error) {
	if err := ValidateID(id); err != nil {
		return data.CacheEntry{}, err
	}
	notDownloaded := data.CacheEntry{ID: id, State: data.StateNotDownloaded}

	dir := s.dir(id)
	sc, err := s.readSidecar(id)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return notDownloaded, err
	}
	if sc == nil {
		// Primary renamed into place but sidecar not yet written.
		name, ok := s.findPrimary(id)
		if !ok {
			return notDownloaded, nil
		}
		sc = &sidecar{File: name, Source: data.SourceRemote}
		sc.Descriptor.Format = strings.TrimPrefix(filepath.Ext(name), ".")
	}

	primary := filepath.Join(dir, sc.File)
	info, err := os.Stat(primary)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return notDownloaded, nil
		}
		return notDownloaded, err
	}
	if !info.Mode().IsRegular() || info.Size() < s.opts.MinArtifactBytes {
		return notDownloaded, nil
	}
	if sc.SizeBytes > 0 && info.Size() != sc.SizeBytes {
		return notDownloaded, nil
	}

	entry := data.CacheEntry{
		ID:                id,
		State:             data.StateReady,
		Path:              primary,
		SizeBytes:         info.Size(),
		Format:            sc.Descriptor.Format,
		Checksum:          sc.Descriptor.Checksum,
		ChecksumAlgorithm: sc.Descriptor.ChecksumAlgorithm,
		Source:            sc.Source,
		CommittedAt:       sc.CommittedAt,
	}
	for name, file := range sc.Auxiliary {
		p := filepath.Join(dir, file)
		if _, err := os.Stat(p); err == nil {
			if entry.AuxiliaryPaths == nil {
				entry.AuxiliaryPaths = make(map[string]string)
			}
			entry.AuxiliaryPaths[name] = p
		}
	}
	return entry, nil
}

func (s *FileStore) BeginWrite(id string) (*Writer, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(filepath.Join(s.root, partialDir), id+"-*.part")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", data.ErrCacheWrite, err)
	}
	return &Writer{id: id, path: f.Name(), f: f}, nil
}

func (s *FileStore) Commit(id string, w *Writer, desc data.ModelDescriptor, src data.Source) (data.CacheEntry, error) {
	if w == nil {
		return data.CacheEntry{}, errors.New("nil writer")
	}
	defer w.Abort()
	if err := ValidateID(id); err != nil {
		return data.CacheEntry{}, err
	}
	if w.id != id {
		return data.CacheEntry{}, fmt.Errorf("writer belongs to %q, not %q", w.id, id)
	}
	if err := w.Close(); err != nil {
		return data.CacheEntry{}, fmt.Errorf("%w: %v", data.ErrCacheWrite, err)
	}

	unlock := s.lockEntry(id)
	defer unlock()

	dir := s.dir(id)
	// Replace whatever an earlier version left behind.
	if err := os.RemoveAll(dir); err != nil {
		return data.CacheEntry{}, fmt.Errorf("%w: clear previous entry: %v", data.ErrCacheWrite, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return data.CacheEntry{}, fmt.Errorf("%w: %v", data.ErrCacheWrite, err)
	}
	name := primaryName(id, desc.Format)
	final := filepath.Join(dir, name)
	if err := os.Rename(w.path, final); err != nil {
		return data.CacheEntry{}, fmt.Errorf("%w: move into place: %v", data.ErrCacheWrite, err)
	}

	sc := sidecar{
		Descriptor:  desc,
		File:        name,
		SizeBytes:   w.Size(),
		Source:      src,
		CommittedAt: s.now().UTC(),
	}
	if sc.Descriptor.ID == "" {
		sc.Descriptor.ID = id
	}
	if err := s.writeSidecar(id, &sc); err != nil {
		_ = os.Remove(final)
		return data.CacheEntry{}, err
	}

	return data.CacheEntry{
		ID:                id,
		State:             data.StateReady,
		Path:              final,
		SizeBytes:         sc.SizeBytes,
		Format:            desc.Format,
		Checksum:          desc.Checksum,
		ChecksumAlgorithm: desc.ChecksumAlgorithm,
		Source:            src,
		CommittedAt:       sc.CommittedAt,
	}, nil
}

func (s *FileStore) PutAuxiliary(ctx context.Context, id, name string, r io.Reader) (string, error) {
	if err := ValidateID(id); err != nil {
		return "", err
	}
	if err := validateAuxName(name); err != nil {
		return "", err
	}

	unlock := s.lockEntry(id)
	defer unlock()

	sc, err := s.readSidecar(id)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s has no committed artifact", data.ErrNotFound, id)
		}
		return "", err
	}
	if name == sc.File {
		return "", data.ErrInvalidID
	}

	dir := s.dir(id)
	tmp, err := os.CreateTemp(dir, ".aux-*")
	if err != nil {
		return "", fmt.Errorf("%w: %v", data.ErrCacheWrite, err)
	}
	tmpName := tmp.Name()
	_, err = Copy(ctx, tmp, r)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return "", err
	}
	final := filepath.Join(dir, name)
	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("%w: %v", data.ErrCacheWrite, err)
	}

	if sc.Auxiliary == nil {
		sc.Auxiliary = make(map[string]string)
	}
	sc.Auxiliary[name] = name
	if err := s.writeSidecar(id, sc); err != nil {
		return "", err
	}
	return final, nil
}

func (s *FileStore) Purge(id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	unlock := s.lockEntry(id)
	defer unlock()
	if err := os.RemoveAll(s.dir(id)); err != nil {
		return fmt.Errorf("%w: purge %s: %v", data.ErrCacheWrite, id, err)
	}
	return nil
}

func (s *FileStore) ClearAll() error {
	ids, err := s.ids()
	if err != nil {
		return err
	}
	var first error
	for _, id := range ids {
		if err := s.Purge(id); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (s *FileStore) List() ([]data.CacheEntry, error) {
	ids, err := s.ids()
	if err != nil {
		return nil, err
	}
	out := make([]data.CacheEntry, 0, len(ids))
	for _, id := range ids {
		e, err := s.EntryFor(id)
		if err != nil {
			return nil, err
		}
		if e.Ready() {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *FileStore) TotalBytesUsed() (int64, error) {
	var total int64
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// Entries may disappear under a concurrent purge.
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

func (s *FileStore) FreeBytes() (int64, error) { return freeBytes(s.root) }

func (s *FileStore) dir(id string) string { return filepath.Join(s.root, id) }

func (s *FileStore) ids() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() || ValidateID(e.Name()) != nil {
			continue
		}
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *FileStore) findPrimary(id string) (string, bool) {
	entries, err := os.ReadDir(s.dir(id))
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		name := e.Name()
		if e.Type().IsRegular() && (name == id || strings.HasPrefix(name, id+".")) {
			return name, true
		}
	}
	return "", false
}

func (s *FileStore) readSidecar(id string) (*sidecar, error) {
	b, err := os.ReadFile(filepath.Join(s.dir(id), sidecarName))
	if err != nil {
		return nil, err
	}
	var sc sidecar
	if err := json.Unmarshal(b, &sc); err != nil {
		return nil, fmt.Errorf("decode sidecar for %s: %w", id, err)
	}
	if sc.File == "" || validateAuxName(sc.File) != nil {
		return nil, fmt.Errorf("sidecar for %s names invalid file %q", id, sc.File)
	}
	return &sc, nil
}

func (s *FileStore) writeSidecar(id string, sc *sidecar) error {
	b, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return err
	}
	dir := s.dir(id)
	tmp, err := os.CreateTemp(dir, ".sidecar-*")
	if err != nil {
		return fmt.Errorf("%w: %v", data.ErrCacheWrite, err)
	}
	tmpName := tmp.Name()
	_, err = tmp.Write(b)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmpName, filepath.Join(dir, sidecarName))
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: write sidecar: %v", data.ErrCacheWrite, err)
	}
	return nil
}

func (s *FileStore) sweepPartials() error {
	dir := filepath.Join(s.root, partialDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read partial dir: %w", err)
	}
	for _, e := range entries {
		_ = os.RemoveAll(filepath.Join(dir, e.Name()))
	}
	return nil
}

func (s *FileStore) lockEntry(id string) func() {
	s.mu.Lock()
	lock := s.locks[id]
	if lock == nil {
		lock = &entryLock{}
		s.locks[id] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}
