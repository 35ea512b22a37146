package reconciler

import (
    "context"
    "log/slog"
    "strings"
    "sync"
    "time"

    "github.com/google/uuid"
    "github.com/tinoosan/modeld/internal/data"
    "github.com/tinoosan/modeld/internal/events"
    "github.com/tinoosan/modeld/internal/metrics"
    "github.com/tinoosan/modeld/internal/repo"
)

// Reconciler consumes bus events and records one attempt per download job.
type Reconciler struct {
    repo   repo.AttemptRepo
    events <-chan events.Event
    log    *slog.Logger
    now    func() time.Time
    ctx    context.Context
    cancel context.CancelFunc

    // last observed byte count per job, folded into the terminal record
    bytes map[string]int64

    stop chan struct{}
    wg   sync.WaitGroup
}

// New creates a Reconciler reading from events, typically a bus
// subscription's channel.
func New(log *slog.Logger, repo repo.AttemptRepo, events <-chan events.Event) *Reconciler {
    if log == nil {
        log = slog.Default()
    }
    return &Reconciler{
        repo:   repo,
        events: events,
        log:    log,
        now:    time.Now,
        ctx:    context.Background(),
        bytes:  make(map[string]int64),
    }
}

// Run starts the reconciliation loop.
func (r *Reconciler) Run() {
    r.stop = make(chan struct{})
    r.ctx, r.cancel = context.WithCancel(r.ctx)
    // Tag this run with a stable operation_id for easier correlation.
    opID := uuid.NewString()
    r.log = r.log.With("operation_id", opID)
    r.wg.Add(1)
    go func() {
        defer r.wg.Done()
        for {
            select {
            case <-r.stop:
                return
            case e, ok := <-r.events:
                if !ok {
                    return
                }
                r.handle(e)
            }
        }
    }()
}

// Stop terminates the reconciliation loop.
func (r *Reconciler) Stop() {
    if r.stop != nil {
        close(r.stop)
        if r.cancel != nil {
            r.cancel()
        }
        r.wg.Wait()
        r.stop = nil
    }
}

// Drain waits for the event channel to close, so events already queued are
// recorded, then stops the loop. ctx bounds the wait.
func (r *Reconciler) Drain(ctx context.Context) {
    done := make(chan struct{})
    go func() {
        r.wg.Wait()
        close(done)
    }()
    select {
    case <-done:
    case <-ctx.Done():
        r.log.Warn("reconciler drain timed out", "err", ctx.Err())
    }
    r.Stop()
}

func (r *Reconciler) handle(e events.Event) {
    // Record event type for observability
    metrics.DownloadEvents.WithLabelValues(strings.ToLower(string(e.Type))).Inc()
    if e.JobID == "" {
        r.log.Warn("event without job id", "model_id", e.ModelID, "type", e.Type)
        return
    }

    var (
        outcome data.Outcome
        errMsg  string
    )
    switch e.Type {
    case events.TypeStarted:
        _, created, err := r.repo.Begin(r.ctx, &data.Attempt{
            JobID:     e.JobID,
            ModelID:   e.ModelID,
            Outcome:   data.OutcomeRunning,
            StartedAt: r.now().UTC(),
        })
        if err != nil {
            r.log.Error("begin attempt", "model_id", e.ModelID, "job_id", e.JobID, "err", err)
            return
        }
        if !created {
            r.log.Info("ignoring duplicate start event", "model_id", e.ModelID, "job_id", e.JobID)
        }
        return
    case events.TypeProgress:
        if e.Progress != nil {
            r.bytes[e.JobID] = e.Progress.BytesDownloaded
            r.log.Debug("progress event", "model_id", e.ModelID, "job_id", e.JobID, "completed", e.Progress.BytesDownloaded, "total", e.Progress.TotalBytes)
        }
        return
    case events.TypeReady:
        outcome = data.OutcomeReady
    case events.TypeFailed:
        outcome = data.OutcomeFailed
        errMsg = e.Error
    case events.TypeCancelled:
        outcome = data.OutcomeCancelled
    default:
        r.log.Warn("unknown event type", "model_id", e.ModelID, "type", e.Type)
        return
    }

    n := r.bytes[e.JobID]
    delete(r.bytes, e.JobID)
    finished := r.now().UTC()
    _, err := r.repo.Update(r.ctx, e.JobID, func(a *data.Attempt) error {
        if a.FinishedAt != nil {
            return nil
        }
        a.Outcome = outcome
        a.Error = errMsg
        if n > a.BytesDownloaded {
            a.BytesDownloaded = n
        }
        a.FinishedAt = &finished
        return nil
    })
    if err != nil {
        r.log.Error("finish attempt", "model_id", e.ModelID, "job_id", e.JobID, "outcome", outcome, "err", err)
        return
    }
    r.log.Info("reconciled event", "model_id", e.ModelID, "job_id", e.JobID, "type", e.Type)
}
