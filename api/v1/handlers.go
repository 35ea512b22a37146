package v1

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/tinoosan/modeld/internal/cache"
	"github.com/tinoosan/modeld/internal/data"
	"github.com/tinoosan/modeld/internal/downloader"
	"github.com/tinoosan/modeld/internal/reqid"
	"github.com/tinoosan/modeld/internal/service"
)

// ModelHandler serves the model artifact endpoints.
type ModelHandler struct {
	l   *slog.Logger
	svc service.Models
}

func NewModelHandler(l *slog.Logger, svc service.Models) *ModelHandler {
	return &ModelHandler{l: l, svc: svc}
}

type jobResponse struct {
	JobID     string      `json:"jobId"`
	ModelID   string      `json:"modelId"`
	Joined    bool        `json:"joined"`
	CreatedAt time.Time   `json:"createdAt"`
	Status    data.Status `json:"status"`
}

type cacheResponse struct {
	BytesUsed int64             `json:"bytesUsed"`
	Entries   []data.CacheEntry `json:"entries"`
}

func modelID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := mux.Vars(r)["id"]
	if err := cache.ValidateID(id); err != nil {
		writeError(w, err)
		return "", false
	}
	return id, true
}

func (h *ModelHandler) GetModel(w http.ResponseWriter, r *http.Request) {
	id, ok := modelID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.svc.Status(id))
}

// StartDownload starts or joins a download. With ?wait=true the request
// blocks until the job finishes; abandoning the request does not cancel it.
func (h *ModelHandler) StartDownload(w http.ResponseWriter, r *http.Request) {
	id, ok := modelID(w, r)
	if !ok {
		return
	}
	job, joined, err := h.svc.StartDownload(id)
	if err != nil {
		writeError(w, err)
		return
	}

	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if wait {
		if _, err := job.Wait(r.Context()); err != nil {
			writeError(w, err)
			return
		}
	}

	code := http.StatusAccepted
	if isDone(job) {
		if _, err := job.Result(); err != nil {
			writeError(w, err)
			return
		}
		code = http.StatusOK
	}
	writeJSON(w, code, jobResponse{
		JobID:     job.ID,
		ModelID:   job.ModelID,
		Joined:    joined,
		CreatedAt: job.CreatedAt,
		Status:    h.svc.Status(id),
	})
}

func isDone(j *downloader.Job) bool {
	select {
	case <-j.Done():
		return true
	default:
		return false
	}
}

func (h *ModelHandler) CancelDownload(w http.ResponseWriter, r *http.Request) {
	id, ok := modelID(w, r)
	if !ok {
		return
	}
	if !h.svc.Cancel(id) {
		writeError(w, ErrNoActiveJob)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *ModelHandler) DeleteModel(w http.ResponseWriter, r *http.Request) {
	id, ok := modelID(w, r)
	if !ok {
		return
	}
	if err := h.svc.DeleteArtifact(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ModelHandler) ClearModels(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.ClearAllArtifacts(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	reqid.Logger(r.Context(), h.l).Warn("model cache cleared over the API")
	w.WriteHeader(http.StatusNoContent)
}

func (h *ModelHandler) GetAttempts(w http.ResponseWriter, r *http.Request) {
	id, ok := modelID(w, r)
	if !ok {
		return
	}
	as, err := h.svc.Attempts(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if as == nil {
		as = data.Attempts{}
	}
	writeJSON(w, http.StatusOK, as)
}

func (h *ModelHandler) GetCache(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.CacheBytesUsed()
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := h.svc.Entries()
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []data.CacheEntry{}
	}
	writeJSON(w, http.StatusOK, cacheResponse{BytesUsed: n, Entries: entries})
}
