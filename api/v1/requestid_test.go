package v1

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tinoosan/modeld/internal/reqid"
)

func TestRequestIDMiddleware_GeneratesAndEchoes(t *testing.T) {
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Header().Get(headerRequestID) == "" {
		t.Fatalf("expected non-empty %s header", headerRequestID)
	}
}

func TestRequestID_PropagatesIntoHandlerContext(t *testing.T) {
	observedHeader := "X-Observed-Request-ID"
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, ok := reqid.From(r.Context()); ok {
			w.Header().Set(observedHeader, id)
		}
		w.WriteHeader(http.StatusOK)
	}))
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(headerRequestID, "abc123")
	h.ServeHTTP(rr, req)
	if rr.Header().Get(headerRequestID) != "abc123" {
		t.Fatalf("expected echoed X-Request-ID header")
	}
	if rr.Header().Get(observedHeader) != "abc123" {
		t.Fatalf("handler did not observe request_id in context; got %q", rr.Header().Get(observedHeader))
	}
}

func TestStatusFor(t *testing.T) {
	tests := map[error]int{
		ErrNoActiveJob:  http.StatusNotFound,
		ErrContentType:  http.StatusUnsupportedMediaType,
		ErrLevelMissing: http.StatusBadRequest,
	}
	for err, want := range tests {
		if got := statusFor(err); got != want {
			t.Fatalf("statusFor(%v) = %d, want %d", err, got, want)
		}
	}
}

func TestLogRecordsMarkedError(t *testing.T) {
	var rec *rwLogger
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec, _ = w.(*rwLogger)
		writeError(w, ErrNoActiveJob)
	})
	rr := httptest.NewRecorder()
	Log(discardLogger())(h).ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/v1/models/ner/download", nil))
	if rec == nil || rec.err != ErrNoActiveJob || rec.status != http.StatusNotFound {
		t.Fatalf("expected logger to capture error and status, got %+v", rec)
	}
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }
