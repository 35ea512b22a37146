package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinoosan/modeld/internal/pressure"
	"github.com/tinoosan/modeld/internal/router"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(cfgPath *string) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the memory pressure monitor and idle eviction",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*cfgPath, false)
			if err != nil {
				return err
			}
			defer a.close()
			if addr != "" {
				a.cfg.HTTP.Addr = addr
			}
			return serve(cmd.Context(), a)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides http.addr")
	return cmd
}

func serve(ctx context.Context, a *app) error {
	cfg := a.cfg

	if pol := cfg.Policy(); pol.IdleTimeout > 0 {
		every := pol.IdleTimeout / 4
		if every < time.Second {
			every = time.Second
		}
		a.mods.WatchIdle(ctx, every)
	}
	if cfg.Pressure.PollInterval > 0 {
		mon := &pressure.MemInfoMonitor{
			ProcRoot:      cfg.Pressure.ProcRoot,
			Interval:      cfg.Pressure.PollInterval,
			ModerateRatio: cfg.Pressure.ModerateAvailableRatio,
			CriticalRatio: cfg.Pressure.CriticalAvailableRatio,
			Dispatcher:    a.disp,
			Log:           a.log,
		}
		if _, _, _, err := mon.Sample(); err != nil {
			a.log.Warn("memory pressure monitor disabled", "err", err)
		} else {
			go mon.Run(ctx)
		}
	}
	if cfg.HTTP.Token == "" {
		a.log.Warn("http.token is empty; the API is unauthenticated")
	}

	server := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: router.New(a.log, router.Deps{
			Models:    a.svc,
			Modules:   a.mods,
			Pressure:  a.disp,
			ReadyWait: cfg.Lifecycle.ReadyWait,
			Token:     cfg.HTTP.Token,
			Ready:     a.ready,
		}),
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		a.log.Info("starting modeld API", "addr", server.Addr, "modules", len(cfg.Modules))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	a.log.Info("received terminate, graceful shutdown")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(sctx)
}
