package v1

import (
	"errors"
	"net/http"

	"github.com/tinoosan/modeld/internal/data"
	"github.com/tinoosan/modeld/internal/downloader"
	"github.com/tinoosan/modeld/internal/inference"
	"github.com/tinoosan/modeld/internal/pressure"
)

var (
	ErrContentType  = errors.New("Content-Type must be application/json")
	ErrLevelMissing = errors.New("level is required")
	ErrNoActiveJob  = errors.New("no active download for model")
)

// statusFor maps domain sentinels to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, data.ErrInvalidID),
		errors.Is(err, pressure.ErrUnknownLevel),
		errors.Is(err, ErrLevelMissing):
		return http.StatusBadRequest
	case errors.Is(err, ErrContentType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, data.ErrNotFound),
		errors.Is(err, data.ErrModelNotReady),
		errors.Is(err, data.ErrNotBundled),
		errors.Is(err, inference.ErrUnknownModule),
		errors.Is(err, ErrNoActiveJob):
		return http.StatusNotFound
	case errors.Is(err, data.ErrCancelled):
		return http.StatusConflict
	case data.IsIntegrity(err), errors.Is(err, data.ErrUnsupportedAlgorithm):
		return http.StatusUnprocessableEntity
	case errors.Is(err, data.ErrNetwork):
		return http.StatusBadGateway
	case errors.Is(err, data.ErrCacheWrite):
		return http.StatusInsufficientStorage
	case errors.Is(err, downloader.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError records err on the response logger and writes a JSON error body.
func writeError(w http.ResponseWriter, err error) {
	markErr(w, err)
	writeJSON(w, statusFor(err), errorBody{Error: err.Error()})
}
