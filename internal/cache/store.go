package cache

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/tinoosan/modeld/internal/data"
)

const (
	sidecarName = "metadata.json"
	partialDir  = ".partial"
)

// DefaultMinArtifactBytes is the floor below which an artifact is treated as
// truncated.
const DefaultMinArtifactBytes = 512

// Store maps model ids to cache entries on local storage.
type Store interface {
	// EntryFor returns the current entry for id. A missing or invalid
	// artifact yields an entry in StateNotDownloaded and a nil error.
	EntryFor(id string) (data.CacheEntry, error)

	// BeginWrite opens a temporary file for a new artifact.
	BeginWrite(id string) (*Writer, error)

	// Commit moves a verified temporary file into place and writes the
	// sidecar. The writer is consumed either way.
	Commit(id string, w *Writer, desc data.ModelDescriptor, src data.Source) (data.CacheEntry, error)

	// PutAuxiliary stores an auxiliary file next to a committed artifact.
	PutAuxiliary(ctx context.Context, id, name string, r io.Reader) (string, error)

	// Purge deletes everything stored for id. It is idempotent.
	Purge(id string) error

	// ClearAll purges every id.
	ClearAll() error

	List() ([]data.CacheEntry, error)
	TotalBytesUsed() (int64, error)

	// FreeBytes reports available space on the cache volume, or -1 when the
	// platform cannot tell.
	FreeBytes() (int64, error)

	Root() string
}

// Options tune a file store.
type Options struct {
	MinArtifactBytes int64
}

type sidecar struct {
	Descriptor  data.ModelDescriptor `json:"descriptor"`
	File        string               `json:"file"`
	SizeBytes   int64                `json:"sizeBytes"`
	Source      data.Source          `json:"source"`
	CommittedAt time.Time            `json:"committedAt"`
	Auxiliary   map[string]string    `json:"auxiliary,omitempty"`
}

// ValidateID rejects ids that could escape the cache root or collide with
// internal directories.
func ValidateID(id string) error {
	switch {
	case id == "", strings.HasPrefix(id, "."), strings.ContainsAny(id, `/\:`), strings.Contains(id, ".."):
		return data.ErrInvalidID
	}
	return nil
}

func validateAuxName(name string) error {
	if err := ValidateID(name); err != nil || name == sidecarName {
		return data.ErrInvalidID
	}
	return nil
}

// primaryName is the file name of the primary artifact for id and format.
func primaryName(id, format string) string {
	format = strings.TrimPrefix(strings.TrimSpace(format), ".")
	if format == "" {
		return id
	}
	return id + "." + format
}
