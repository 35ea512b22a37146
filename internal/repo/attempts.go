package repo

import (
	"context"

	"github.com/tinoosan/modeld/internal/data"
)

// AttemptRepo is the download attempt ledger.
type AttemptRepo interface {
	AttemptReader
	AttemptWriter
}

type AttemptReader interface {
	// List returns attempts for modelID, oldest first. An empty modelID lists
	// every attempt.
	List(ctx context.Context, modelID string) (data.Attempts, error)
	Get(ctx context.Context, jobID string) (*data.Attempt, error)
}

type AttemptWriter interface {
	// Begin records a new attempt. Recording the same job twice returns the
	// existing row and created=false.
	Begin(ctx context.Context, a *data.Attempt) (rec *data.Attempt, created bool, err error)
	// Update mutates the attempt for jobID under the repository's lock.
	Update(ctx context.Context, jobID string, mutate func(*data.Attempt) error) (*data.Attempt, error)
	// DeleteModel drops the history of modelID.
	DeleteModel(ctx context.Context, modelID string) error
}
