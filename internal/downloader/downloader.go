package downloader

import (
	"context"
	"io"

	"github.com/tinoosan/modeld/internal/data"
)

// Source fetches model metadata and bytes. internal/remote.Client is the
// production implementation.
type Source interface {
	Descriptor(ctx context.Context, id string) (data.ModelDescriptor, error)
	Artifact(ctx context.Context, desc data.ModelDescriptor) (io.ReadCloser, int64, error)
	Auxiliary(ctx context.Context, id, name string) (io.ReadCloser, error)
}

// Bundled materializes artifacts that ship with the application.
type Bundled interface {
	Has(id string) bool
	Materialize(ctx context.Context, id string) (data.CacheEntry, error)
}
