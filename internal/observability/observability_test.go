package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/sandboxd/internal/config"
)

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs == nil {
		t.Fatal("expected non-nil Observability")
	}
	if obs.Metrics != nil || obs.Tracer != nil {
		t.Error("metrics and tracer should be nil with no config")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestNew_MetricsEnabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true},
	}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs.Metrics == nil {
		t.Fatal("metrics should be created when enabled")
	}
}

func TestObservability_ShutdownNil(t *testing.T) {
	// Should not panic.
	var obs *Observability
	obs.Shutdown(context.Background())
}

func TestMetricsCollector_Records(t *testing.T) {
	m := NewMetricsCollector()

	m.RecordOp("execute_code", "success", 0.5)
	m.RecordOp("execute_code", "exec_timeout", 30)
	m.RecordInstall("success")
	m.RecordPublished()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}

	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		byName[f.GetName()] = f
	}

	ops := byName["sandboxd_sandbox_operations_total"]
	if ops == nil {
		t.Fatal("operations counter not gathered")
	}
	var total float64
	for _, metric := range ops.GetMetric() {
		total += metric.GetCounter().GetValue()
	}
	if total != 2 {
		t.Errorf("operations total = %v, want 2", total)
	}

	published := byName["sandboxd_files_published_total"]
	if published == nil || published.GetMetric()[0].GetCounter().GetValue() != 1 {
		t.Errorf("published counter = %v, want 1", published)
	}
}

func TestMetricsCollector_NilSafe(t *testing.T) {
	var m *MetricsCollector
	// None of these should panic.
	m.RecordOp("x", "y", 1)
	m.RecordInstall("failed")
	m.RecordPublished()
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	m := NewMetricsCollector()

	handler := HTTPMetricsMiddleware(m, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest(http.MethodGet, "/sandboxes", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	var found bool
	for _, f := range families {
		if f.GetName() != "sandboxd_http_requests_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "status_code" && label.GetValue() == "404" {
					found = true
				}
			}
		}
	}
	if !found {
		t.Error("request counter with status_code=404 not gathered")
	}
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	// Should not panic with nil metrics and nil tracer.
	handler := HTTPMetricsMiddleware(nil, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHealthChecker(t *testing.T) {
	h := NewHealthChecker(nil)

	if got := h.CheckHealth().Status; got != "ok" {
		t.Errorf("CheckHealth = %q", got)
	}
	if got := h.CheckReady(context.Background()).Status; got != "ok" {
		t.Errorf("CheckReady with no checks = %q", got)
	}

	h.AddCheck("storage", func(ctx context.Context) error { return nil })
	h.AddCheck("runtime", func(ctx context.Context) error { return errors.New("daemon down") })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("CheckReady = %q, want degraded", status.Status)
	}
	if status.Checks["storage"].Status != "ok" {
		t.Errorf("storage check = %+v", status.Checks["storage"])
	}
	if status.Checks["runtime"].Status != "fail" || status.Checks["runtime"].Message == "" {
		t.Errorf("runtime check = %+v", status.Checks["runtime"])
	}
}
