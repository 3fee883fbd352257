package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"video-overlay/internal/handlers"
	"video-overlay/internal/jobs"
	"video-overlay/internal/media"
	"video-overlay/internal/middleware"
	"video-overlay/internal/overlay"
	"video-overlay/internal/pipeline"
	"video-overlay/internal/source"
	"video-overlay/internal/startup"
)

type memorySources map[string][]byte

func (m memorySources) Open(_ context.Context, ref string) (*source.Source, error) {
	return source.FromBytes(ref, m[ref]), nil
}

func noopRun(_ context.Context, src *source.Source, _ overlay.Transformer, _ pipeline.Config, _ func(pipeline.Progress)) (*pipeline.Result, error) {
	defer src.Close()
	return &pipeline.Result{Output: []byte("mp4")}, nil
}

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	config := &startup.Config{
		UploadDir:       t.TempDir(),
		OutputDir:       t.TempDir(),
		MaxUploadSize:   1 << 20,
		LogHealthChecks: true,
	}
	sources := memorySources{}
	manager, err := jobs.NewManager(context.Background(), jobs.Options{
		Sources:     sources,
		Run:         noopRun,
		OutputDir:   config.OutputDir,
		Concurrency: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(manager.Cleanup)

	h := handlers.New(manager, &media.Previewer{Sources: sources}, nil, nil, config)
	return wrapMiddleware(setupRouter(h), config)
}

func TestMiddlewareChain(t *testing.T) {
	handler := newTestHandler(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("/healthz = %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(middleware.RequestIDHeader) == "" {
		t.Error("response has no request ID")
	}
	if got := rec.Header().Get("Server"); got != middleware.ServiceName {
		t.Errorf("Server = %q, want %q", got, middleware.ServiceName)
	}
}

func TestUnknownRouteIsJSON404(t *testing.T) {
	handler := newTestHandler(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/nothing-here", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestRoutesAreRegistered(t *testing.T) {
	h := handlers.New(nil, nil, nil, nil, &startup.Config{})
	routes, err := startup.GetRoutes(setupRouter(h))
	if err != nil {
		t.Fatal(err)
	}

	want := map[string]bool{
		"POST /api/jobs":            false,
		"GET /api/jobs":             false,
		"GET /api/jobs/{id}":        false,
		"DELETE /api/jobs/{id}":     false,
		"GET /api/jobs/{id}/output": false,
		"POST /api/preview":         false,
		"DELETE /api/cache":         false,
		"GET /healthz":              false,
		"GET /readyz":               false,
		"GET /version":              false,
	}
	for _, r := range routes {
		key := r.Method + " " + r.Path
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}
	for key, found := range want {
		if !found {
			t.Errorf("route %s not registered", key)
		}
	}
}

func TestSourceOptions(t *testing.T) {
	opts := sourceOptions(&startup.Config{FetchTimeout: 5 * time.Second, MaxUploadSize: 1024})
	if opts.Timeout != 5*time.Second || opts.MaxSize != 1024 {
		t.Errorf("options = %+v", opts)
	}
	if opts.Retry.MaxRetries == 0 {
		t.Error("retry defaults were dropped")
	}
}

func TestMetricsHandlerServesPrometheusText(t *testing.T) {
	rec := httptest.NewRecorder()
	handlers.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if rec.Code != http.StatusOK || !strings.Contains(string(body), "go_goroutines") {
		t.Errorf("metrics response = %d, %d bytes", rec.Code, len(body))
	}
}
