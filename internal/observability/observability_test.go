package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/jkaninda/signoff/internal/approval"
	"github.com/jkaninda/signoff/internal/config"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs != nil {
		t.Fatal("expected nil Observability for nil config")
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs == nil {
		t.Fatal("expected non-nil Observability")
	}
	if obs.Metrics != nil {
		t.Error("metrics should be nil when not enabled")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
	if obs.Anomaly != nil {
		t.Error("anomaly should be nil when not enabled")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestNew_MetricsEnabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true},
		Anomaly: &config.AnomalyConfig{Enabled: true, ErrorRateThreshold: 0.5},
	}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs.Metrics == nil || obs.Anomaly == nil {
		t.Fatal("metrics and anomaly should be enabled")
	}
	status := obs.Health.CheckReady(context.Background())
	if _, ok := status.Checks["store_faults"]; !ok {
		t.Errorf("anomaly detector not registered as a readiness check: %+v", status.Checks)
	}
}

func TestObservability_NilReceiver(t *testing.T) {
	var obs *Observability
	if err := obs.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown = %v", err)
	}
	obs.InstrumentRegistry(approval.NewRegistry(nil, nil))
	if s := obs.WrapStore(&mockStore{}); s == nil {
		t.Fatal("WrapStore returned nil")
	}
}

func TestObservability_InstrumentRegistry(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{Metrics: &config.MetricsConfig{Enabled: true}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	reg := approval.NewRegistry(nil, nil)
	obs.InstrumentRegistry(reg)

	if _, err := reg.Request(context.Background(), "report-1"); err != nil {
		t.Fatal(err)
	}
	if got := counterValue(t, obs.Metrics.Registry, "signoff_approval_requests_created_total", nil); got != 1 {
		t.Errorf("requests created = %v, want 1", got)
	}
	if a := obs.Health.CheckHealth().Approvals; a == nil || a.Tracked != 1 || a.Pending != 1 {
		t.Errorf("liveness approvals = %+v", a)
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Created(t *testing.T) {
	m := NewMetricsCollector()
	if m == nil || m.Registry == nil {
		t.Fatal("expected non-nil MetricsCollector with a Registry")
	}

	// CounterVecs only appear in Gather after first use.
	m.HTTPRequestsTotal.WithLabelValues("GET", "/test", "200").Inc()
	m.StoreErrorsTotal.WithLabelValues("set").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"signoff_http_requests_total",
		"signoff_store_errors_total",
		"signoff_active_requests",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

func TestMetricsCollector_SharesRegistryWithApproval(t *testing.T) {
	m := NewMetricsCollector()
	am := approval.NewMetrics(m.Registry)
	am.RequestsCreated.Inc()

	if got := counterValue(t, m.Registry, "signoff_approval_requests_created_total", nil); got != 1 {
		t.Errorf("approval requests = %v, want 1", got)
	}
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckReady(context.Background())
	if status.Status != "ok" || status.Approvals != nil {
		t.Errorf("status = %+v, want ok without approvals", status)
	}
}

func TestHealthChecker_AllPass(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("store", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
	if status.Checks["store"].Status != "ok" {
		t.Errorf("store check = %q, want ok", status.Checks["store"].Status)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("store", func(ctx context.Context) error { return errors.New("connection refused") })
	h.AddCheck("registry", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if got := status.Checks["store"]; got.Status != "fail" || got.Message != "connection refused" {
		t.Errorf("store check = %+v", got)
	}
	if status.Checks["registry"].Status != "ok" {
		t.Errorf("registry check = %q, want ok", status.Checks["registry"].Status)
	}
}

func TestHealthChecker_TimeoutBoundsSlowCheck(t *testing.T) {
	h := NewHealthChecker(nil).WithTimeout(20 * time.Millisecond)
	h.AddCheck("stuck", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	h.AddCheck("fast", func(ctx context.Context) error { return nil })

	start := time.Now()
	status := h.CheckReady(context.Background())
	if time.Since(start) > time.Second {
		t.Fatal("readiness did not honor its timeout")
	}
	if status.Checks["stuck"].Status != "fail" || status.Checks["fast"].Status != "ok" {
		t.Errorf("checks = %+v", status.Checks)
	}
	if status.Checks["stuck"].LatencyMS < 10 {
		t.Errorf("stuck latency = %dms, want close to the timeout", status.Checks["stuck"].LatencyMS)
	}
}

func TestHealthChecker_ReportsApprovals(t *testing.T) {
	ctx := context.Background()
	reg := approval.NewRegistry(nil, nil)
	h := NewHealthChecker(nil).WithApprovals(reg)

	a, _ := reg.Request(ctx, "report-1")
	_, _ = reg.Request(ctx, "report-2")
	_ = reg.Approve(ctx, a.ID, "bob", "")

	status := h.CheckReady(ctx)
	if status.Approvals == nil || status.Approvals.Tracked != 2 || status.Approvals.Pending != 1 {
		t.Errorf("approvals = %+v", status.Approvals)
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("store", func(ctx context.Context) error { return errors.New("down") })
	if status := h.CheckHealth(); status.Status != "ok" {
		t.Errorf("liveness status = %q, want ok", status.Status)
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	var a *AnomalyDetector
	a.Observe("set", StoreFault)
	if err := a.Degraded(); err != nil {
		t.Errorf("Degraded = %v", err)
	}
	if s := a.Stats("set"); s.Total() != 0 {
		t.Errorf("Stats = %+v", s)
	}
}

func TestClassifyStoreError(t *testing.T) {
	tests := []struct {
		err  error
		want StoreOutcome
	}{
		{nil, StoreOK},
		{approval.ErrAlreadyDecided, StoreConflict},
		{approval.ErrNotFound, StoreConflict},
		{errors.New("disk full"), StoreFault},
		{context.DeadlineExceeded, StoreFault},
	}
	for _, tt := range tests {
		if got := ClassifyStoreError(tt.err); got != tt.want {
			t.Errorf("ClassifyStoreError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func newTestDetector(now *time.Time) *AnomalyDetector {
	a := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:            true,
		ErrorRateThreshold: 0.5,
		WindowSeconds:      60,
	}, nil)
	a.now = func() time.Time { return *now }
	return a
}

func TestAnomalyDetector_FaultRateDegrades(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	a := newTestDetector(&now)

	// 6 faults, 4 successes = 60% > 50%.
	for range 4 {
		a.Observe("set", StoreOK)
	}
	for range 6 {
		a.Observe("set", StoreFault)
	}
	a.Observe("create", StoreOK)

	if s := a.Stats("set"); s.Faults != 6 || s.OK != 4 {
		t.Fatalf("stats = %+v", s)
	}
	err := a.Degraded()
	if err == nil || !strings.Contains(err.Error(), "set") || strings.Contains(err.Error(), "create") {
		t.Fatalf("Degraded = %v, want only set", err)
	}

	// Once the faults age out of the window the operation recovers.
	now = now.Add(2 * time.Minute)
	if err := a.Degraded(); err != nil {
		t.Fatalf("Degraded after window = %v", err)
	}
}

func TestAnomalyDetector_ConflictsAreHealthy(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	a := newTestDetector(&now)

	for range 10 {
		a.Observe("set", StoreConflict)
	}
	a.Observe("set", StoreFault)

	if err := a.Degraded(); err != nil {
		t.Fatalf("conflicts must not degrade: %v", err)
	}
	if s := a.Stats("set"); s.Conflicts != 10 || s.Faults != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestAnomalyDetector_NeedsMinimumSamples(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	a := newTestDetector(&now)
	for range minSamples - 1 {
		a.Observe("load", StoreFault)
	}
	if err := a.Degraded(); err != nil {
		t.Fatalf("Degraded below minimum samples = %v", err)
	}
}

// --- InstrumentedStore (wrapper) ---

type mockStore struct {
	setErr error
	loaded []approval.Request
}

func (m *mockStore) CreateApproval(ctx context.Context, req *approval.Request) (int64, error) {
	return 42, nil
}

func (m *mockStore) SetApproval(ctx context.Context, id int64, d approval.Decision) error {
	return m.setErr
}

func (m *mockStore) LoadApprovals(ctx context.Context) ([]approval.Request, error) {
	return m.loaded, nil
}

func (m *mockStore) GetApproval(ctx context.Context, id int64) (approval.Request, error) {
	for _, r := range m.loaded {
		if r.ID == id {
			return r, nil
		}
	}
	return approval.Request{}, approval.ErrNotFound
}

func testTracer(t *testing.T) (*TracerSetup, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return &TracerSetup{provider: tp, tracer: tp.Tracer("test")}, exp
}

func TestInstrumentedStore_Success(t *testing.T) {
	metrics := NewMetricsCollector()
	ts, exp := testTracer(t)
	s := NewInstrumentedStore(&mockStore{}, metrics, ts, nil)

	id, err := s.CreateApproval(context.Background(), &approval.Request{Subject: "report-1"})
	if err != nil || id != 42 {
		t.Fatalf("create = %d, %v", id, err)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "store.create_approval" {
		t.Fatalf("spans = %v", spans)
	}
	if got := counterValue(t, metrics.Registry, "signoff_store_errors_total", prometheus.Labels{"op": "create"}); got != 0 {
		t.Errorf("store errors = %v, want 0", got)
	}
}

func TestInstrumentedStore_Error(t *testing.T) {
	metrics := NewMetricsCollector()
	anomaly := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true, ErrorRateThreshold: 0.5}, nil)
	s := NewInstrumentedStore(&mockStore{setErr: errors.New("disk full")}, metrics, nil, anomaly)

	err := s.SetApproval(context.Background(), 1, approval.Decision{Status: approval.StatusApproved, Approver: "bob", DecidedAt: time.Now()})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := counterValue(t, metrics.Registry, "signoff_store_errors_total", prometheus.Labels{"op": "set"}); got != 1 {
		t.Errorf("store errors = %v, want 1", got)
	}

	if got := anomaly.Stats("set").Faults; got != 1 {
		t.Errorf("anomaly faults = %d, want 1", got)
	}
}

func TestInstrumentedStore_ConflictIsNotAFault(t *testing.T) {
	metrics := NewMetricsCollector()
	anomaly := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true, ErrorRateThreshold: 0.5}, nil)
	s := NewInstrumentedStore(&mockStore{setErr: approval.ErrAlreadyDecided}, metrics, nil, anomaly)

	err := s.SetApproval(context.Background(), 1, approval.Decision{Status: approval.StatusRejected, Approver: "bob", DecidedAt: time.Now()})
	if !errors.Is(err, approval.ErrAlreadyDecided) {
		t.Fatalf("err = %v, want ErrAlreadyDecided", err)
	}
	if got := counterValue(t, metrics.Registry, "signoff_store_errors_total", prometheus.Labels{"op": "set"}); got != 0 {
		t.Errorf("store errors = %v, want 0", got)
	}
	if got := anomaly.Stats("set"); got.Conflicts != 1 || got.Faults != 0 {
		t.Errorf("anomaly stats = %+v", got)
	}
}

func TestInstrumentedStore_GetApproval(t *testing.T) {
	ts, exp := testTracer(t)
	metrics := NewMetricsCollector()
	inner := &mockStore{loaded: []approval.Request{{ID: 3, Subject: "x", Status: approval.StatusPending}}}
	s := NewInstrumentedStore(inner, metrics, ts, nil)

	rec, err := s.GetApproval(context.Background(), 3)
	if err != nil || rec.ID != 3 {
		t.Fatalf("get = %+v, %v", rec, err)
	}
	if _, err := s.GetApproval(context.Background(), 4); !errors.Is(err, approval.ErrNotFound) {
		t.Fatalf("get unknown = %v", err)
	}

	spans := exp.GetSpans()
	if len(spans) != 2 || spans[0].Name != "store.get_approval" {
		t.Fatalf("spans = %v", spans)
	}
	if got := counterValue(t, metrics.Registry, "signoff_store_errors_total", prometheus.Labels{"op": "get"}); got != 0 {
		t.Errorf("a missing row counted as a store error: %v", got)
	}
}

func TestInstrumentedStore_LoadPassesThrough(t *testing.T) {
	inner := &mockStore{loaded: []approval.Request{{ID: 3, Subject: "x", Status: approval.StatusPending}}}
	s := NewInstrumentedStore(inner, nil, nil, nil)

	records, err := s.LoadApprovals(context.Background())
	if err != nil || len(records) != 1 || records[0].ID != 3 {
		t.Fatalf("load = %v, %v", records, err)
	}
}

// --- HTTP Middleware ---

func TestHTTPMetricsMiddleware(t *testing.T) {
	metrics := NewMetricsCollector()

	handler := HTTPMetricsMiddleware(metrics, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}

	val := counterValue(t, metrics.Registry, "signoff_http_requests_total", prometheus.Labels{"method": "GET", "path": "/test", "status_code": "200"})
	if val != 1 {
		t.Errorf("http requests = %v, want 1", val)
	}
}

func TestHTTPMetricsMiddleware_RecordsStatus(t *testing.T) {
	metrics := NewMetricsCollector()

	handler := HTTPMetricsMiddleware(metrics, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/v1/approvals/42", nil))

	val := counterValue(t, metrics.Registry, "signoff_http_requests_total", prometheus.Labels{"method": "GET", "path": "/v1/approvals/{id}", "status_code": "404"})
	if val != 1 {
		t.Errorf("http 404 requests = %v, want 1", val)
	}
}

func TestPathLabel(t *testing.T) {
	tests := map[string]string{
		"/healthz":                 "/healthz",
		"/v1/approvals":            "/v1/approvals",
		"/v1/approvals/7":          "/v1/approvals/{id}",
		"/v1/approvals/12/approve": "/v1/approvals/{id}/approve",
		"/v1/approvals/abc/reject": "/v1/approvals/abc/reject",
	}
	for in, want := range tests {
		if got := pathLabel(in); got != want {
			t.Errorf("pathLabel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	// Should not panic with nil metrics.
	handler := HTTPMetricsMiddleware(nil, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

// --- Helpers ---

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}
