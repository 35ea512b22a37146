package data

import (
	"encoding/json"
	"io"
	"time"
)

// ModelState is the lifecycle state of a model identifier as seen by the
// registry and the cache store.
type ModelState string

const (
	StateNotDownloaded ModelState = "NotDownloaded"
	StateDownloading   ModelState = "Downloading"
	StateReady         ModelState = "Ready"
	StateError         ModelState = "Error"
)

// Source records where a cached artifact came from.
type Source string

const (
	SourceRemote  Source = "remote"
	SourceBundled Source = "bundled"
)

// ModelDescriptor is the remote metadata document for one model. It is
// immutable for the lifetime of a download attempt.
type ModelDescriptor struct {
	ID                string   `json:"id"`
	Format            string   `json:"format"`
	SizeBytes         int64    `json:"sizeBytes,omitempty"`
	Checksum          string   `json:"checksum,omitempty"`
	ChecksumAlgorithm string   `json:"checksumAlgorithm,omitempty"`
	AuxiliaryFiles    []string `json:"auxiliaryFiles,omitempty"`
}

// CacheEntry describes an artifact in the cache store. Path, SizeBytes and
// AuxiliaryPaths are only meaningful when State is StateReady.
type CacheEntry struct {
	ID                string            `json:"id"`
	State             ModelState        `json:"state"`
	Path              string            `json:"path,omitempty"`
	SizeBytes         int64             `json:"sizeBytes,omitempty"`
	Format            string            `json:"format,omitempty"`
	AuxiliaryPaths    map[string]string `json:"auxiliaryPaths,omitempty"`
	Checksum          string            `json:"checksum,omitempty"`
	ChecksumAlgorithm string            `json:"checksumAlgorithm,omitempty"`
	Source            Source            `json:"source,omitempty"`
	CommittedAt       time.Time         `json:"committedAt,omitempty"`
}

// Ready reports whether the entry is usable.
func (e CacheEntry) Ready() bool { return e.State == StateReady }

// Clone returns a deep copy of the entry.
func (e CacheEntry) Clone() CacheEntry {
	cp := e
	if e.AuxiliaryPaths != nil {
		cp.AuxiliaryPaths = make(map[string]string, len(e.AuxiliaryPaths))
		for k, v := range e.AuxiliaryPaths {
			cp.AuxiliaryPaths[k] = v
		}
	}
	return cp
}

// Status is the registry answer to "what is the state of model X".
type Status struct {
	ID              string     `json:"id"`
	State           ModelState `json:"state"`
	Progress        float64    `json:"progress,omitempty"`
	BytesDownloaded int64      `json:"bytesDownloaded,omitempty"`
	TotalBytes      int64      `json:"totalBytes,omitempty"`
	Path            string     `json:"path,omitempty"`
	SizeBytes       int64      `json:"sizeBytes,omitempty"`
	Format          string     `json:"format,omitempty"`
	Message         string     `json:"message,omitempty"`
}

func (s *Status) ToJSON(w io.Writer) error { return json.NewEncoder(w).Encode(s) }

func (e *CacheEntry) ToJSON(w io.Writer) error { return json.NewEncoder(w).Encode(e) }

func (d *ModelDescriptor) FromJSON(r io.Reader) error { return json.NewDecoder(r).Decode(d) }
