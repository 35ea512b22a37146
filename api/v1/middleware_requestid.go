package v1

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/tinoosan/modeld/internal/reqid"
)

const headerRequestID = "X-Request-ID"

// RequestID honours an incoming X-Request-ID or generates a UUIDv4, stores it
// in the request context and echoes it on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(reqid.With(r.Context(), id)))
	})
}
