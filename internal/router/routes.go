package router

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	v1 "github.com/tinoosan/modeld/api/v1"
	"github.com/tinoosan/modeld/internal/auth"
	"github.com/tinoosan/modeld/internal/service"
)

// Deps are the collaborators behind the HTTP API.
type Deps struct {
	Models    service.Models
	Modules   v1.Modules
	Pressure  v1.Signaller
	ReadyWait time.Duration
	Token     string
	// Ready reports whether the process can serve traffic. Optional.
	Ready func(ctx context.Context) error
}

// New sets up the application routes and required middleware.
func New(logger *slog.Logger, d Deps) *mux.Router {

	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Error("write healthz response", "err", err)
		}
	}).Methods("GET")

	r.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if d.Ready != nil {
			if err := d.Ready(r.Context()); err != nil {
				logger.Warn("readiness check failed", "err", err)
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}).Methods("GET")

	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	models := v1.NewModelHandler(logger, d.Models)
	modules := v1.NewModuleHandler(logger, d.Modules, d.Pressure, d.ReadyWait)

	r.Use(v1.RequestID)
	r.Use(v1.Log(logger))
	r.Use(auth.Middleware(d.Token))

	api := r.PathPrefix("/v1").Subrouter()

	// GETs
	get := api.Methods("GET").Subrouter()
	get.HandleFunc("/models/{id}", models.GetModel)
	get.HandleFunc("/models/{id}/attempts", models.GetAttempts)
	get.HandleFunc("/cache", models.GetCache)
	get.HandleFunc("/events", models.StreamEvents)
	get.HandleFunc("/modules", modules.ListModules)

	// POSTs
	post := api.Methods("POST").Subrouter()
	post.HandleFunc("/models/{id}/download", models.StartDownload)
	post.HandleFunc("/modules/{name}/acquire", modules.AcquireModule)
	post.HandleFunc("/modules/{name}/unload", modules.UnloadModule)
	post.HandleFunc("/pressure", modules.Pressure)

	// DELETEs
	del := api.Methods("DELETE").Subrouter()
	del.HandleFunc("/models/{id}/download", models.CancelDownload)
	del.HandleFunc("/models/{id}", models.DeleteModel)
	del.HandleFunc("/models", models.ClearModels)

	return r
}
