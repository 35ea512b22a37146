// Package downloader runs model download jobs: admission, bundled or remote
// acquisition, streaming into the cache, verification and commit.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/tinoosan/modeld/internal/cache"
	"github.com/tinoosan/modeld/internal/data"
	"github.com/tinoosan/modeld/internal/events"
	"github.com/tinoosan/modeld/internal/integrity"
	"github.com/tinoosan/modeld/internal/metrics"
)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("downloader closed")

const (
	DefaultMaxConcurrent = 2
	DefaultChunkBytes    = 64 * 1024
)

// Options tune an Orchestrator.
type Options struct {
	MaxConcurrent    int
	ChunkBytes       int
	MinArtifactBytes int64
}

// Orchestrator owns the job table. At most one job per model id is active;
// starting an id that already has a job joins it.
type Orchestrator struct {
	store   cache.Store
	src     Source
	bundled Bundled
	rep     events.Reporter
	log     *slog.Logger
	opts    Options
	now     func() time.Time

	sem *semaphore.Weighted

	// ready reports whether id is usable in the cache. It defaults to the
	// store's view and is replaced by the registry's verified one.
	ready func(id string) (data.CacheEntry, error)

	mu        sync.Mutex
	jobs      map[string]*Job
	failures  map[string]string
	admitTail <-chan struct{}
	closed    bool

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// New creates an orchestrator. src and bundled may be nil; a nil src makes
// every non-bundled download fail with ErrNetwork.
func New(store cache.Store, src Source, bundled Bundled, rep events.Reporter, opts Options) *Orchestrator {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.ChunkBytes <= 0 {
		opts.ChunkBytes = DefaultChunkBytes
	}
	if opts.MinArtifactBytes <= 0 {
		opts.MinArtifactBytes = cache.DefaultMinArtifactBytes
	}
	ctx, stop := context.WithCancel(context.Background())
	head := make(chan struct{})
	close(head)
	o := &Orchestrator{
		store:    store,
		src:      src,
		bundled:  bundled,
		rep:      rep,
		log:      slog.Default(),
		opts:     opts,
		now:      time.Now,
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		jobs:     make(map[string]*Job),
		failures:  make(map[string]string),
		admitTail: head,
		ctx:       ctx,
		stop:      stop,
	}
	o.ready = o.storeReady
	return o
}

// SetReadiness replaces how Start decides that a model is already usable.
// fn must return an error for ids that are not ready.
func (o *Orchestrator) SetReadiness(fn func(id string) (data.CacheEntry, error)) {
	if fn != nil {
		o.ready = fn
	}
}

func (o *Orchestrator) storeReady(id string) (data.CacheEntry, error) {
	e, err := o.store.EntryFor(id)
	if err != nil {
		return data.CacheEntry{}, err
	}
	if !e.Ready() {
		return data.CacheEntry{}, fmt.Errorf("%w: %s", data.ErrModelNotReady, id)
	}
	return e, nil
}

// SetLogger allows wiring a shared application logger into the orchestrator.
func (o *Orchestrator) SetLogger(l *slog.Logger) {
	if l != nil {
		o.log = l
	}
}

// Start begins a download for id, or joins the active one. joined reports
// whether an existing job was returned. When id is already ready in the
// cache the returned job is already done and no network access happens.
// New jobs are admitted in the order Start created them.
func (o *Orchestrator) Start(id string) (job *Job, joined bool, err error) {
	if err := cache.ValidateID(id); err != nil {
		return nil, false, err
	}
	ready, rerr := o.ready(id)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, false, ErrClosed
	}
	if j, ok := o.jobs[id]; ok {
		return j, true, nil
	}

	j := &Job{
		ID:        uuid.NewString(),
		ModelID:   id,
		CreatedAt: o.now(),
		done:      make(chan struct{}),
	}
	if rerr == nil {
		j.entry = ready
		j.bytes.Store(ready.SizeBytes)
		j.total.Store(ready.SizeBytes)
		close(j.done)
		delete(o.failures, id)
		return j, false, nil
	}

	j.ctx, j.cancel = context.WithCancel(o.ctx)
	j.prev = o.admitTail
	j.admitted = make(chan struct{})
	o.admitTail = j.admitted
	o.jobs[id] = j
	delete(o.failures, id)
	o.wg.Add(1)
	go o.run(j)
	return j, false, nil
}

// Download starts or joins a job for id and waits for its outcome.
func (o *Orchestrator) Download(ctx context.Context, id string) (data.CacheEntry, error) {
	j, _, err := o.Start(id)
	if err != nil {
		return data.CacheEntry{}, err
	}
	return j.Wait(ctx)
}

// Cancel requests cancellation of the active job for id. It reports whether
// there was one that could still be cancelled; a job whose artifact is being
// committed runs to completion.
func (o *Orchestrator) Cancel(id string) bool {
	o.mu.Lock()
	j := o.jobs[id]
	if j == nil || j.committed {
		o.mu.Unlock()
		return false
	}
	j.requestCancel()
	o.mu.Unlock()
	o.log.Info("download cancel requested", "model_id", id, "job_id", j.ID)
	return true
}

// CancelAll cancels every active job that has not committed and returns
// them.
func (o *Orchestrator) CancelAll() []*Job {
	o.mu.Lock()
	defer o.mu.Unlock()
	jobs := make([]*Job, 0, len(o.jobs))
	for _, j := range o.jobs {
		if j.committed {
			continue
		}
		j.requestCancel()
		jobs = append(jobs, j)
	}
	return jobs
}

// Active returns the running job for id, if any.
func (o *Orchestrator) Active(id string) (*Job, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	j, ok := o.jobs[id]
	return j, ok
}

// Failure returns the message of the last failed job for id.
func (o *Orchestrator) Failure(id string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	msg, ok := o.failures[id]
	return msg, ok
}

func (o *Orchestrator) ClearFailure(id string) {
	o.mu.Lock()
	delete(o.failures, id)
	o.mu.Unlock()
}

// Close cancels all jobs and waits for their goroutines to exit.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.CancelAll()
	o.stop()
	o.wg.Wait()
}

func (o *Orchestrator) run(j *Job) {
	defer o.wg.Done()
	log := o.log.With("model_id", j.ModelID, "job_id", j.ID)
	o.emit(events.Event{Type: events.TypeStarted, ModelID: j.ModelID, JobID: j.ID})

	entry, err := o.execute(j, log)
	if err != nil && (j.cancelled.Load() || j.ctx.Err() != nil) && !errors.Is(err, data.ErrCancelled) {
		err = fmt.Errorf("%w: %s", data.ErrCancelled, j.ModelID)
	}
	o.finish(j, entry, err, log)
}

func (o *Orchestrator) execute(j *Job, log *slog.Logger) (data.CacheEntry, error) {
	ctx := j.ctx
	id := j.ModelID

	metrics.QueuedDownloads.Inc()
	err := o.admit(j)
	metrics.QueuedDownloads.Dec()
	if err != nil {
		return data.CacheEntry{}, err
	}
	defer o.sem.Release(1)
	metrics.ActiveDownloads.Inc()
	defer metrics.ActiveDownloads.Dec()

	if j.cancelled.Load() {
		return data.CacheEntry{}, data.ErrCancelled
	}

	if o.bundled != nil && o.bundled.Has(id) {
		log.Info("using bundled artifact")
		e, err := o.bundled.Materialize(ctx, id)
		if err == nil {
			j.bytes.Store(e.SizeBytes)
			j.total.Store(e.SizeBytes)
		}
		return e, err
	}
	if o.src == nil {
		return data.CacheEntry{}, fmt.Errorf("%w: no remote source configured for %s", data.ErrNetwork, id)
	}

	desc, err := o.src.Descriptor(ctx, id)
	if err != nil {
		return data.CacheEntry{}, err
	}
	desc.ID = id
	if desc.SizeBytes > 0 {
		j.total.Store(desc.SizeBytes)
		if free, ferr := o.store.FreeBytes(); ferr == nil && free >= 0 && free < desc.SizeBytes {
			return data.CacheEntry{}, fmt.Errorf("%w: need %d bytes, %d available", data.ErrCacheWrite, desc.SizeBytes, free)
		}
	}

	body, length, err := o.src.Artifact(ctx, desc)
	if err != nil {
		return data.CacheEntry{}, err
	}
	defer body.Close()
	if desc.SizeBytes <= 0 && length > 0 {
		j.total.Store(length)
	}

	w, err := o.store.BeginWrite(id)
	if err != nil {
		return data.CacheEntry{}, err
	}
	if err := o.stream(j, w, body); err != nil {
		w.Abort()
		return data.CacheEntry{}, err
	}
	if err := w.Close(); err != nil {
		w.Abort()
		return data.CacheEntry{}, fmt.Errorf("%w: %v", data.ErrCacheWrite, err)
	}

	if err := o.verify(w, desc); err != nil {
		w.Abort()
		log.Warn("artifact verification failed", "bytes", w.Size(), "err", err)
		return data.CacheEntry{}, err
	}
	o.mu.Lock()
	if j.cancelled.Load() {
		o.mu.Unlock()
		w.Abort()
		return data.CacheEntry{}, data.ErrCancelled
	}
	j.committed = true
	o.mu.Unlock()

	entry, err := o.store.Commit(id, w, desc, data.SourceRemote)
	if err != nil {
		return data.CacheEntry{}, err
	}
	o.fetchAuxiliary(ctx, &entry, desc, log)
	return entry, nil
}

// admit takes a concurrency slot once every job started before j holds or
// has given up one. j.admitted is closed on every path so later jobs move on.
func (o *Orchestrator) admit(j *Job) error {
	select {
	case <-j.prev:
	case <-j.ctx.Done():
		go func() {
			<-j.prev
			close(j.admitted)
		}()
		return j.ctx.Err()
	}
	err := o.sem.Acquire(j.ctx, 1)
	close(j.admitted)
	return err
}

// stream copies body into w one chunk at a time, checking for cancellation
// before each read and publishing progress after each chunk.
func (o *Orchestrator) stream(j *Job, w *cache.Writer, body io.Reader) error {
	buf := make([]byte, o.opts.ChunkBytes)
	for {
		if j.cancelled.Load() || j.ctx.Err() != nil {
			return data.ErrCancelled
		}
		n, rerr := io.ReadFull(body, buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return fmt.Errorf("%w: %v", data.ErrCacheWrite, err)
			}
			done := j.bytes.Add(int64(n))
			metrics.DownloadBytes.Add(float64(n))
			p := events.NewProgress(done, j.total.Load())
			o.emit(events.Event{Type: events.TypeProgress, ModelID: j.ModelID, JobID: j.ID, Progress: &p})
		}
		switch {
		case rerr == nil:
		case errors.Is(rerr, io.EOF), errors.Is(rerr, io.ErrUnexpectedEOF):
			return nil
		default:
			if j.cancelled.Load() || j.ctx.Err() != nil {
				return data.ErrCancelled
			}
			return fmt.Errorf("%w: read artifact: %v", data.ErrNetwork, rerr)
		}
	}
}

func (o *Orchestrator) verify(w *cache.Writer, desc data.ModelDescriptor) error {
	if err := integrity.VerifySize(w.Size(), desc.SizeBytes); err != nil {
		return err
	}
	if err := integrity.VerifyMinimumSize(w.Size(), o.opts.MinArtifactBytes); err != nil {
		return err
	}
	return integrity.VerifyChecksum(w.Path(), desc.ChecksumAlgorithm, desc.Checksum)
}

// fetchAuxiliary stores the descriptor's auxiliary files. Failures are logged
// and leave the primary artifact usable.
func (o *Orchestrator) fetchAuxiliary(ctx context.Context, entry *data.CacheEntry, desc data.ModelDescriptor, log *slog.Logger) {
	for _, name := range desc.AuxiliaryFiles {
		r, err := o.src.Auxiliary(ctx, desc.ID, name)
		if err != nil {
			log.Warn("auxiliary fetch failed", "file", name, "err", err)
			continue
		}
		p, err := o.store.PutAuxiliary(ctx, desc.ID, name, r)
		r.Close()
		if err != nil {
			log.Warn("auxiliary store failed", "file", name, "err", err)
			continue
		}
		if entry.AuxiliaryPaths == nil {
			entry.AuxiliaryPaths = make(map[string]string)
		}
		entry.AuxiliaryPaths[name] = p
	}
}

func (o *Orchestrator) finish(j *Job, entry data.CacheEntry, err error, log *slog.Logger) {
	o.mu.Lock()
	if o.jobs[j.ModelID] == j {
		delete(o.jobs, j.ModelID)
	}
	// Integrity failures leave nothing behind, so the model simply reads as
	// not downloaded; the Failed event still carries the message.
	if err != nil && !errors.Is(err, data.ErrCancelled) && !data.IsIntegrity(err) {
		o.failures[j.ModelID] = err.Error()
	}
	j.entry, j.err = entry, err
	o.mu.Unlock()

	ev := events.Event{ModelID: j.ModelID, JobID: j.ID}
	switch {
	case err == nil:
		ev.Type = events.TypeReady
		ev.Ready = &events.Ready{Path: entry.Path, Format: entry.Format}
		log.Info("model ready", "path", entry.Path, "bytes", entry.SizeBytes, "source", entry.Source)
	case errors.Is(err, data.ErrCancelled):
		ev.Type = events.TypeCancelled
		log.Info("download cancelled", "bytes", j.bytes.Load())
	default:
		ev.Type = events.TypeFailed
		ev.Error = err.Error()
		log.Error("download failed", "err", err)
	}
	o.emit(ev)
	j.cancel()
	close(j.done)
}

func (o *Orchestrator) emit(e events.Event) {
	if o.rep != nil {
		o.rep.Report(e)
	}
}
