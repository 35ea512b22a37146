package repo

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/tinoosan/modeld/internal/data"
)

type InMemoryAttemptRepo struct {
	mu       sync.RWMutex
	attempts data.Attempts
	byJob    map[string]*data.Attempt
}

func NewInMemoryAttemptRepo() *InMemoryAttemptRepo {
	return &InMemoryAttemptRepo{
		attempts: make(data.Attempts, 0),
		byJob:    make(map[string]*data.Attempt),
	}
}

var _ AttemptRepo = (*InMemoryAttemptRepo)(nil)

func (r *InMemoryAttemptRepo) List(ctx context.Context, modelID string) (data.Attempts, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(data.Attempts, 0)
	for _, a := range r.attempts {
		if modelID == "" || a.ModelID == modelID {
			out = append(out, a.Clone())
		}
	}
	return out, nil
}

func (r *InMemoryAttemptRepo) Get(ctx context.Context, jobID string) (*data.Attempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byJob[jobID]
	if !ok {
		return nil, data.ErrNotFound
	}
	return a.Clone(), nil
}

func (r *InMemoryAttemptRepo) Begin(ctx context.Context, a *data.Attempt) (*data.Attempt, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.byJob[a.JobID]; ok {
		return cur.Clone(), false, nil
	}
	rec := a.Clone()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Outcome == "" {
		rec.Outcome = data.OutcomeRunning
	}
	r.attempts = append(r.attempts, rec)
	r.byJob[rec.JobID] = rec
	return rec.Clone(), true, nil
}

func (r *InMemoryAttemptRepo) Update(ctx context.Context, jobID string, mutate func(*data.Attempt) error) (*data.Attempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.byJob[jobID]
	if !ok {
		return nil, data.ErrNotFound
	}
	next := cur.Clone()
	if mutate != nil {
		if err := mutate(next); err != nil {
			return nil, err
		}
	}
	// identity fields are immutable
	next.ID, next.JobID, next.ModelID = cur.ID, cur.JobID, cur.ModelID
	*cur = *next
	return cur.Clone(), nil
}

func (r *InMemoryAttemptRepo) DeleteModel(ctx context.Context, modelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.attempts[:0]
	for _, a := range r.attempts {
		if a.ModelID == modelID {
			delete(r.byJob, a.JobID)
			continue
		}
		kept = append(kept, a)
	}
	r.attempts = kept
	return nil
}
