package service

import (
	"context"
	"log/slog"

	"github.com/tinoosan/modeld/internal/cache"
	"github.com/tinoosan/modeld/internal/data"
	"github.com/tinoosan/modeld/internal/downloader"
	"github.com/tinoosan/modeld/internal/events"
	"github.com/tinoosan/modeld/internal/metrics"
	"github.com/tinoosan/modeld/internal/registry"
	"github.com/tinoosan/modeld/internal/repo"
)

// Models is the facade used by the HTTP API and the CLI.
type Models interface {
	Status(id string) data.Status
	StartDownload(id string) (*downloader.Job, bool, error)
	Download(ctx context.Context, id string) (data.CacheEntry, error)
	Cancel(id string) bool
	DeleteArtifact(ctx context.Context, id string) error
	ClearAllArtifacts(ctx context.Context) error
	CacheBytesUsed() (int64, error)
	Entries() ([]data.CacheEntry, error)
	Attempts(ctx context.Context, id string) (data.Attempts, error)
	Subscribe() *events.Subscription
}

// Downloads is the part of the orchestrator the facade drives.
type Downloads interface {
	Start(id string) (*downloader.Job, bool, error)
	Download(ctx context.Context, id string) (data.CacheEntry, error)
	Cancel(id string) bool
	CancelAll() []*downloader.Job
	Active(id string) (*downloader.Job, bool)
	ClearFailure(id string)
}

// Unloader releases in-memory resources built from a model.
type Unloader interface {
	UnloadModel(id string) int
}

type Deps struct {
	Store     cache.Store
	Downloads Downloads
	Registry  *registry.Registry
	Bus       *events.Bus
	Attempts  repo.AttemptReader
	Modules   Unloader
	Log       *slog.Logger
}

type models struct {
	store    cache.Store
	dl       Downloads
	reg      *registry.Registry
	bus      *events.Bus
	attempts repo.AttemptReader
	modules  Unloader
	log      *slog.Logger
}

func NewModels(d Deps) Models {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	return &models{
		store:    d.Store,
		dl:       d.Downloads,
		reg:      d.Registry,
		bus:      d.Bus,
		attempts: d.Attempts,
		modules:  d.Modules,
		log:      log,
	}
}

func (s *models) Status(id string) data.Status { return s.reg.Status(id) }

func (s *models) StartDownload(id string) (*downloader.Job, bool, error) {
	return s.dl.Start(id)
}

func (s *models) Download(ctx context.Context, id string) (data.CacheEntry, error) {
	return s.dl.Download(ctx, id)
}

func (s *models) Cancel(id string) bool { return s.dl.Cancel(id) }

// DeleteArtifact cancels any active job for id, waits for it to wind down,
// releases resources built from the model and purges its files.
func (s *models) DeleteArtifact(ctx context.Context, id string) error {
	if err := cache.ValidateID(id); err != nil {
		return err
	}
	if j, ok := s.dl.Active(id); ok {
		s.dl.Cancel(id)
		select {
		case <-j.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.modules != nil {
		if n := s.modules.UnloadModel(id); n > 0 {
			s.log.Info("released modules for deleted model", "model_id", id, "modules", n)
		}
	}
	if err := s.store.Purge(id); err != nil {
		return err
	}
	s.reg.Forget(id)
	s.dl.ClearFailure(id)
	s.log.Info("deleted model artifact", "model_id", id)
	return nil
}

// ClearAllArtifacts cancels every job and empties the cache.
func (s *models) ClearAllArtifacts(ctx context.Context) error {
	for _, j := range s.dl.CancelAll() {
		select {
		case <-j.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	entries, err := s.store.List()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if s.modules != nil {
			s.modules.UnloadModel(e.ID)
		}
		s.dl.ClearFailure(e.ID)
	}
	if err := s.store.ClearAll(); err != nil {
		return err
	}
	if _, err := s.reg.Rebuild(); err != nil {
		return err
	}
	metrics.CacheBytes.Set(0)
	s.log.Info("cleared model cache", "entries", len(entries))
	return nil
}

// CacheBytesUsed measures the cache and updates the cache size gauge.
func (s *models) CacheBytesUsed() (int64, error) {
	n, err := s.store.TotalBytesUsed()
	if err != nil {
		return 0, err
	}
	metrics.CacheBytes.Set(float64(n))
	return n, nil
}

func (s *models) Entries() ([]data.CacheEntry, error) { return s.store.List() }

func (s *models) Attempts(ctx context.Context, id string) (data.Attempts, error) {
	if s.attempts == nil {
		return data.Attempts{}, nil
	}
	return s.attempts.List(ctx, id)
}

func (s *models) Subscribe() *events.Subscription { return s.bus.Subscribe() }
