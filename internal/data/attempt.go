package data

import (
	"encoding/json"
	"io"
	"time"
)

// Outcome is the result of a single download attempt.
type Outcome string

const (
	OutcomeRunning   Outcome = "Running"
	OutcomeReady     Outcome = "Ready"
	OutcomeFailed    Outcome = "Failed"
	OutcomeCancelled Outcome = "Cancelled"
)

// Attempt is the ledger record of one download job.
type Attempt struct {
	ID              string     `json:"id"`
	JobID           string     `json:"jobId"`
	ModelID         string     `json:"modelId"`
	Outcome         Outcome    `json:"outcome"`
	Error           string     `json:"error,omitempty"`
	BytesDownloaded int64      `json:"bytesDownloaded"`
	StartedAt       time.Time  `json:"startedAt"`
	FinishedAt      *time.Time `json:"finishedAt,omitempty"`
}

type Attempts []*Attempt

func (a *Attempt) Clone() *Attempt {
	if a == nil {
		return nil
	}
	cp := *a
	if a.FinishedAt != nil {
		t := *a.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}

func (as Attempts) Clone() Attempts {
	out := make(Attempts, len(as))
	for i, a := range as {
		out[i] = a.Clone()
	}
	return out
}

func (as *Attempts) ToJSON(w io.Writer) error { return json.NewEncoder(w).Encode(as) }
