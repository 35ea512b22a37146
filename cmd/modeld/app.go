package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/tinoosan/modeld/internal/bundled"
	"github.com/tinoosan/modeld/internal/cache"
	"github.com/tinoosan/modeld/internal/config"
	"github.com/tinoosan/modeld/internal/downloader"
	"github.com/tinoosan/modeld/internal/events"
	"github.com/tinoosan/modeld/internal/inference"
	"github.com/tinoosan/modeld/internal/logging"
	"github.com/tinoosan/modeld/internal/metrics"
	"github.com/tinoosan/modeld/internal/pressure"
	"github.com/tinoosan/modeld/internal/reconciler"
	"github.com/tinoosan/modeld/internal/registry"
	"github.com/tinoosan/modeld/internal/remote"
	"github.com/tinoosan/modeld/internal/repo"
	"github.com/tinoosan/modeld/internal/service"
)

// drainTimeout bounds how long shutdown waits for the attempt ledger to
// catch up with the last download events.
const drainTimeout = 5 * time.Second

// app is the wired component graph shared by every subcommand.
type app struct {
	cfg *config.Config
	log *slog.Logger

	store    *cache.FileStore
	bus      *events.Bus
	orch     *downloader.Orchestrator
	reg      *registry.Registry
	attempts repo.AttemptRepo
	disp     *pressure.Dispatcher
	mods     *inference.Set
	svc      service.Models
	rec      *reconciler.Reconciler

	ping    func(ctx context.Context) error
	closers []func()
}

// newApp loads configuration and wires the components. quiet raises the
// stdout log level to warn so command output stays readable.
func newApp(cfgPath string, quiet bool) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if quiet && cfg.Log.File == "" {
		cfg.Log.Level = "warn"
	}
	log, out, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(log)
	a := &app{cfg: cfg, log: log}
	if c, ok := out.(io.Closer); ok && out != os.Stdout {
		a.closers = append(a.closers, func() { _ = c.Close() })
	}

	metrics.Register()

	a.store, err = cache.Open(cfg.Cache.Root, cache.Options{MinArtifactBytes: cfg.Cache.MinArtifactBytes})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("open cache: %w", err)
	}

	// Both collaborators are optional; nil interfaces, never typed nils.
	var src downloader.Source
	if cfg.Remote.BaseURL != "" {
		client, err := remote.NewClient(remote.Config{
			BaseURL: cfg.Remote.BaseURL,
			Token:   cfg.Remote.Token,
			Timeout: cfg.Remote.Timeout,
		})
		if err != nil {
			a.close()
			return nil, err
		}
		src = client
	} else {
		log.Warn("no remote endpoint configured; only bundled models can be fetched")
	}
	var bnd downloader.Bundled
	if cfg.Bundled.Dir != "" {
		bnd = bundled.New(os.DirFS(cfg.Bundled.Dir), ".", a.store, cfg.Cache.MinArtifactBytes, log)
	}

	a.bus = events.NewBus()
	a.closers = append(a.closers, a.bus.Close)

	if err := a.openAttempts(); err != nil {
		a.close()
		return nil, err
	}
	// The reconciler is attached before the orchestrator so that closing in
	// reverse stops every job first and still records its outcome.
	sub := a.bus.Subscribe()
	a.rec = reconciler.New(log, a.attempts, sub.C())
	a.rec.Run()
	a.closers = append(a.closers, func() {
		sub.Detach()
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		a.rec.Drain(ctx)
	})

	a.orch = downloader.New(a.store, src, bnd, a.bus, downloader.Options{
		MaxConcurrent:    cfg.Download.MaxConcurrent,
		ChunkBytes:       int(cfg.Download.ChunkBytes),
		MinArtifactBytes: cfg.Cache.MinArtifactBytes,
	})
	a.orch.SetLogger(log)
	a.closers = append(a.closers, a.orch.Close)

	a.reg = registry.New(a.store, a.orch, log)
	a.orch.SetReadiness(a.reg.Ready)
	n, err := a.reg.Rebuild()
	if err != nil {
		a.close()
		return nil, fmt.Errorf("rebuild registry: %w", err)
	}
	log.Info("registry rebuilt", "entries", n, "cache_root", cfg.Cache.Root)

	a.disp = pressure.NewDispatcher(log)
	a.mods, err = inference.NewSet(cfg.Modules, inference.Deps{
		Registry:   a.reg,
		Bus:        a.bus,
		Dispatcher: a.disp,
		Policy:     cfg.Policy(),
		Log:        log,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	a.closers = append(a.closers, a.mods.Close)

	a.svc = service.NewModels(service.Deps{
		Store:     a.store,
		Downloads: a.orch,
		Registry:  a.reg,
		Bus:       a.bus,
		Attempts:  a.attempts,
		Modules:   a.mods,
		Log:       log,
	})
	return a, nil
}

func (a *app) openAttempts() error {
	switch a.cfg.DB.Driver {
	case "postgres":
		var (
			pg  *repo.PostgresRepo
			err error
		)
		if a.cfg.DB.DSN != "" {
			pg, err = repo.NewPostgresRepo(a.cfg.DB.DSN)
		} else {
			pg, err = repo.NewPostgresRepoFromEnv()
		}
		if err != nil {
			return fmt.Errorf("open attempt ledger: %w", err)
		}
		a.attempts = pg
		a.ping = pg.Ping
		a.closers = append(a.closers, func() { _ = pg.Close() })
		a.log.Info("attempt ledger", "driver", "postgres")
	default:
		a.attempts = repo.NewInMemoryAttemptRepo()
	}
	return nil
}

// ready backs /readyz: the cache root must be reachable and the ledger
// database, when used, must answer.
func (a *app) ready(ctx context.Context) error {
	if _, err := a.store.FreeBytes(); err != nil {
		return fmt.Errorf("cache root: %w", err)
	}
	if a.ping != nil {
		if err := a.ping(ctx); err != nil {
			return fmt.Errorf("attempt ledger: %w", err)
		}
	}
	return nil
}

// close runs the closers in reverse order.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
