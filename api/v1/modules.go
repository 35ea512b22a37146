package v1

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/tinoosan/modeld/internal/inference"
	"github.com/tinoosan/modeld/internal/pressure"
)

// Modules is the view of the configured feature modules the API needs.
type Modules interface {
	Get(name string) (*inference.Module, error)
	List() []inference.ModuleStatus
}

// Signaller delivers a memory pressure level to registered holders.
type Signaller interface {
	Signal(ctx context.Context, level pressure.Level) int
}

// ModuleHandler serves feature module and pressure endpoints.
type ModuleHandler struct {
	l         *slog.Logger
	mods      Modules
	sig       Signaller
	readyWait time.Duration
}

// NewModuleHandler builds the handler. readyWait caps how long an acquire
// waits for a model that is still downloading.
func NewModuleHandler(l *slog.Logger, mods Modules, sig Signaller, readyWait time.Duration) *ModuleHandler {
	return &ModuleHandler{l: l, mods: mods, sig: sig, readyWait: readyWait}
}

type pressureBody struct {
	Level string `json:"level"`
}

type pressureResponse struct {
	Level    pressure.Level `json:"level"`
	Released int            `json:"released"`
}

type unloadResponse struct {
	Name     string `json:"name"`
	Released bool   `json:"released"`
}

func (h *ModuleHandler) ListModules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.mods.List())
}

// AcquireModule constructs the module's resource if needed and returns its
// status. ?wait overrides the readiness wait, e.g. wait=0s fails fast.
func (h *ModuleHandler) AcquireModule(w http.ResponseWriter, r *http.Request) {
	m, err := h.mods.Get(mux.Vars(r)["name"])
	if err != nil {
		writeError(w, err)
		return
	}
	wait := h.readyWait
	if q := r.URL.Query().Get("wait"); q != "" {
		d, err := time.ParseDuration(q)
		if err != nil || d < 0 {
			markErr(w, err)
			http.Error(w, "invalid wait duration", http.StatusBadRequest)
			return
		}
		wait = d
	}
	if wait > 0 {
		m.WaitReady(r.Context(), wait)
	}

	lease, err := m.Acquire(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	lease.Release()
	writeJSON(w, http.StatusOK, m.Status())
}

func (h *ModuleHandler) UnloadModule(w http.ResponseWriter, r *http.Request) {
	m, err := h.mods.Get(mux.Vars(r)["name"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, unloadResponse{Name: m.Name(), Released: m.Unload()})
}

// Pressure injects a memory pressure level as if the platform reported it.
func (h *ModuleHandler) Pressure(w http.ResponseWriter, r *http.Request) {
	var body pressureBody
	if err := decodeJSONStrict(w, r, &body, maxBodyBytes); err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			markErr(w, err)
			http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
			return
		}
		writeError(w, err)
		return
	}
	if body.Level == "" {
		writeError(w, ErrLevelMissing)
		return
	}
	level, err := pressure.ParseLevel(body.Level)
	if err != nil {
		writeError(w, err)
		return
	}
	n := h.sig.Signal(r.Context(), level)
	writeJSON(w, http.StatusOK, pressureResponse{Level: level, Released: n})
}
