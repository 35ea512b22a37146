package events

// Event is a notification about one model id.
//
// Progress events are transient and carry byte counters. Ready, Failed and
// Cancelled are terminal for the job named by JobID; exactly one of them is
// published per job.
type Event struct {
	Type     Type      `json:"type"`
	ModelID  string    `json:"modelId"`
	JobID    string    `json:"jobId,omitempty"`
	Progress *Progress `json:"progress,omitempty"`
	Ready    *Ready    `json:"ready,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Type defines the set of events the orchestrator emits.
type Type string

const (
	TypeStarted   Type = "Started"
	TypeProgress  Type = "Progress"
	TypeReady     Type = "Ready"
	TypeFailed    Type = "Failed"
	TypeCancelled Type = "Cancelled"
)

// Terminal reports whether t ends a job.
func (t Type) Terminal() bool {
	return t == TypeReady || t == TypeFailed || t == TypeCancelled
}

// Progress describes an in-flight download. TotalBytes is 0 when unknown, in
// which case Fraction is 0 as well.
type Progress struct {
	BytesDownloaded int64   `json:"bytesDownloaded"`
	TotalBytes      int64   `json:"totalBytes"`
	Fraction        float64 `json:"progress"`
}

// NewProgress computes the fraction, clamped to [0,1].
func NewProgress(done, total int64) Progress {
	p := Progress{BytesDownloaded: done, TotalBytes: total}
	if total > 0 {
		p.Fraction = float64(done) / float64(total)
		if p.Fraction > 1 {
			p.Fraction = 1
		}
	}
	return p
}

// Ready carries the location of a freshly usable artifact.
type Ready struct {
	Path   string `json:"path"`
	Format string `json:"format"`
}
