package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tinoosan/modeld/internal/data"
	"github.com/tinoosan/modeld/internal/downloader"
	"github.com/tinoosan/modeld/internal/events"
	"github.com/tinoosan/modeld/internal/inference"
	"github.com/tinoosan/modeld/internal/metrics"
	"github.com/tinoosan/modeld/internal/pressure"
)

// fakeModels satisfies service.Models for routing tests.
type fakeModels struct{ bus *events.Bus }

func (f *fakeModels) Status(id string) data.Status {
	return data.Status{ID: id, State: data.StateNotDownloaded}
}
func (f *fakeModels) StartDownload(id string) (*downloader.Job, bool, error) {
	return nil, false, downloader.ErrClosed
}
func (f *fakeModels) Download(ctx context.Context, id string) (data.CacheEntry, error) {
	return data.CacheEntry{}, downloader.ErrClosed
}
func (f *fakeModels) Cancel(id string) bool                                { return false }
func (f *fakeModels) DeleteArtifact(ctx context.Context, id string) error { return nil }
func (f *fakeModels) ClearAllArtifacts(ctx context.Context) error         { return nil }
func (f *fakeModels) CacheBytesUsed() (int64, error)                       { return 0, nil }
func (f *fakeModels) Entries() ([]data.CacheEntry, error)                  { return nil, nil }
func (f *fakeModels) Attempts(ctx context.Context, id string) (data.Attempts, error) {
	return nil, nil
}
func (f *fakeModels) Subscribe() *events.Subscription { return f.bus.Subscribe() }

type fakeSignaller struct{}

func (fakeSignaller) Signal(ctx context.Context, level pressure.Level) int { return 0 }

func newRouter(t *testing.T, token string, ready func(context.Context) error) http.Handler {
	t.Helper()
	mods, err := inference.NewSet(nil, inference.Deps{})
	if err != nil {
		t.Fatal(err)
	}
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)), Deps{
		Models:   &fakeModels{bus: bus},
		Modules:  mods,
		Pressure: fakeSignaller{},
		Token:    token,
		Ready:    ready,
	})
}

func TestHealthzOK(t *testing.T) {
	r := newRouter(t, "sekrit", nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := w.Body.String(); got != "ok" {
		t.Fatalf("expected body 'ok', got %q", got)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected request id header")
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name  string
		ready func(context.Context) error
		want  int
	}{
		{"no check", nil, http.StatusOK},
		{"check passes", func(context.Context) error { return nil }, http.StatusOK},
		{"check fails", func(context.Context) error { return errors.New("nope") }, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRouter(t, "", tt.ready)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			if w.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestMetricsEndpointEmitsFamilies(t *testing.T) {
	metrics.Register()
	metrics.DownloadEvents.WithLabelValues("Started").Inc()
	metrics.RemoteLatency.WithLabelValues("descriptor").Observe(0.02)
	metrics.ActiveDownloads.Set(2)

	r := newRouter(t, "sekrit", nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	for _, family := range []string{
		"modeld_download_events_total",
		"modeld_remote_latency_seconds_count",
		"modeld_active_downloads",
	} {
		if !strings.Contains(body, family) {
			t.Fatalf("missing %s in metrics: %s", family, body)
		}
	}
}

func TestAPIRequiresToken(t *testing.T) {
	r := newRouter(t, "sekrit", nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/models/ner", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/models/ner", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestUnknownMethodIsRejected(t *testing.T) {
	r := newRouter(t, "", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/v1/models/ner", nil))
	if w.Code != http.StatusMethodNotAllowed && w.Code != http.StatusNotFound {
		t.Fatalf("expected 405 or 404, got %d", w.Code)
	}
}
