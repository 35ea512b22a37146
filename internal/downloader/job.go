package downloader

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/tinoosan/modeld/internal/data"
	"github.com/tinoosan/modeld/internal/events"
)

// Job is one download attempt for a model id. Every caller that starts or
// joins the same id shares the Job.
type Job struct {
	ID        string
	ModelID   string
	CreatedAt time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
	bytes     atomic.Int64
	total     atomic.Int64

	// prev is closed once the job admitted before this one holds a slot;
	// admitted is closed once this one does. Both are set by Start.
	prev     <-chan struct{}
	admitted chan struct{}
	// committed is set under the orchestrator lock right before the artifact
	// is committed. The job can no longer be cancelled from then on.
	committed bool

	done  chan struct{}
	entry data.CacheEntry
	err   error
}

// Done is closed when the job reaches a terminal outcome.
func (j *Job) Done() <-chan struct{} { return j.done }

// Result returns the outcome. It is only meaningful after Done is closed.
func (j *Job) Result() (data.CacheEntry, error) {
	select {
	case <-j.done:
		return j.entry, j.err
	default:
		return data.CacheEntry{}, nil
	}
}

// Wait blocks until the job finishes or ctx ends. Abandoning the wait does
// not cancel the job.
func (j *Job) Wait(ctx context.Context) (data.CacheEntry, error) {
	select {
	case <-j.done:
		return j.entry, j.err
	case <-ctx.Done():
		return data.CacheEntry{}, ctx.Err()
	}
}

// Progress is a snapshot of the byte counters.
func (j *Job) Progress() events.Progress {
	return events.NewProgress(j.bytes.Load(), j.total.Load())
}

func (j *Job) Cancelled() bool { return j.cancelled.Load() }

func (j *Job) requestCancel() {
	j.cancelled.Store(true)
	if j.cancel != nil {
		j.cancel()
	}
}
