package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	gohttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rhuss/dynapi/pkg/admission"
	"github.com/rhuss/dynapi/pkg/api"
	"github.com/rhuss/dynapi/pkg/audit"
	"github.com/rhuss/dynapi/pkg/catalog"
	"github.com/rhuss/dynapi/pkg/storage/memory"
)

const adminKey = "admin-secret"

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

type fixture struct {
	now      time.Time
	store    *memory.Store
	recorder *audit.Recorder
	handler  gohttp.Handler
}

func newFixture(t *testing.T, checks map[string]Pinger) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	// Audit timestamps come from the wall clock, so the fixture clock
	// stays close to it.
	testNow := time.Now().UTC().Truncate(time.Second)
	clock := func() time.Time { return testNow }

	store := memory.New(0, memory.WithClock(clock))
	store.PutEndpoint(&catalog.Endpoint{ID: 1, Name: "catalog", Scheme: catalog.SchemeNone, Public: true, Active: true, Timeout: time.Second})
	store.PutEndpoint(&catalog.Endpoint{ID: 2, Name: "orders", Scheme: catalog.SchemeJWT, Active: true,
		AuthConfig: json.RawMessage(`{"secretKey":"do-not-leak"}`)})
	store.PutEndpoint(&catalog.Endpoint{ID: 3, Name: "retired", Scheme: catalog.SchemeNone, Active: false})

	soon := testNow.Add(48 * time.Hour)
	past := testNow.Add(-time.Hour)
	for _, c := range []*catalog.Credential{
		{EndpointID: 2, Scheme: catalog.SchemeToken, Name: "expiring", SecretHash: catalog.HashSecret("a"), Active: true, ExpiresAt: &soon},
		{EndpointID: 2, Scheme: catalog.SchemeToken, Name: "expired", SecretHash: catalog.HashSecret("b"), Active: true, ExpiresAt: &past},
	} {
		if _, err := store.PutCredential(c); err != nil {
			t.Fatalf("PutCredential: %v", err)
		}
	}

	rec := audit.NewRecorder(store, store, audit.Config{Logger: logger})
	t.Cleanup(func() { _ = rec.Close() })

	p := admission.New(admission.Deps{
		Endpoints:   store,
		Credentials: store,
		Audit:       rec,
		Logger:      logger,
	})

	if checks == nil {
		checks = map[string]Pinger{"store": store}
	}
	h := NewHandler(Routes{
		Pipeline:    p,
		Endpoints:   store,
		Credentials: store,
		Reports:     store,
		AuditQueue:  rec,
		Checks:      checks,
		AdminKeys:   []string{adminKey},
		Version:     "test",
		Clock:       clock,
	})
	return &fixture{now: testNow, store: store, recorder: rec, handler: h}
}

func (f *fixture) get(t *testing.T, target string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(gohttp.MethodGet, target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestInfoListsSchemes(t *testing.T) {
	f := newFixture(t, nil)
	w := f.get(t, "/api/info")
	if w.Code != gohttp.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	info := decode[infoResponse](t, w)
	if info.Service != "dynapi" || info.Version != "test" {
		t.Errorf("info = %+v", info)
	}
	if len(info.Schemes) != 7 {
		t.Errorf("schemes = %v, want all 7", info.Schemes)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("public routes must carry X-Request-ID")
	}
}

func TestAvailableHidesAuthConfig(t *testing.T) {
	f := newFixture(t, nil)
	w := f.get(t, "/api/available")
	if w.Code != gohttp.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "do-not-leak") {
		t.Fatal("auth config exposed")
	}
	resp := decode[availableResponse](t, w)
	if resp.Count != 2 {
		t.Errorf("count = %d, want 2 active endpoints", resp.Count)
	}
}

func TestExecuteRunsPipeline(t *testing.T) {
	f := newFixture(t, nil)

	if w := f.get(t, "/api/execute?idApi=1"); w.Code != gohttp.StatusOK {
		t.Errorf("public endpoint: status = %d, body %s", w.Code, w.Body.String())
	}
	w := f.get(t, "/api/execute?idApi=999")
	if w.Code != gohttp.StatusNotFound {
		t.Fatalf("unknown endpoint: status = %d", w.Code)
	}
	if body := decode[api.ErrorResponse](t, w); body.Error != api.ErrorCodeAPINotFound {
		t.Errorf("error = %q", body.Error)
	}
	if w := f.get(t, "/api/execute?idApi=2"); w.Code != gohttp.StatusUnauthorized {
		t.Errorf("missing JWT: status = %d", w.Code)
	}
}

func (f *fixture) post(t *testing.T, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(gohttp.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func TestValidateCredential(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name        string
		target      string
		body        string
		wantSuccess bool
		wantCode    api.ErrorCode
	}{
		{"public endpoint", "/api/auth/validate?idApi=1", "", true, ""},
		{"id in body", "/api/auth/validate", `{"idApi":1}`, true, ""},
		{"missing credential", "/api/auth/validate?idApi=2", "", false, api.ErrorCodeCredentialRequired},
		{"unknown endpoint", "/api/auth/validate?idApi=999", "", false, api.ErrorCodeAPINotFound},
		{"inactive endpoint", "/api/auth/validate", `{"idApi":3}`, false, api.ErrorCodeAPINotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.post(t, tt.target, tt.body)
			if w.Code != gohttp.StatusOK {
				t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
			}
			resp := decode[validateResponse](t, w)
			if resp.Success != tt.wantSuccess || resp.Error != tt.wantCode {
				t.Errorf("success/error = %v/%q, want %v/%q", resp.Success, resp.Error, tt.wantSuccess, tt.wantCode)
			}
			if resp.RequestID == "" {
				t.Error("requestId missing")
			}
		})
	}
}

func TestValidateCredentialHintsAndAudits(t *testing.T) {
	f := newFixture(t, nil)

	resp := decode[validateResponse](t, f.post(t, "/api/auth/validate?idApi=2", ""))
	if resp.Scheme != catalog.SchemeJWT || resp.Hint == "" {
		t.Errorf("response = %+v, want JWT scheme with a hint", resp)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.recorder.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	failed, err := f.store.FailedAttempts(ctx, nil, time.Time{})
	if err != nil {
		t.Fatalf("FailedAttempts: %v", err)
	}
	if len(failed) != 1 || failed[0].EndpointID != 2 {
		t.Errorf("failed attempts = %+v", failed)
	}
	// Nothing was executed.
	if errs, _ := f.store.RecentErrors(ctx, 10); len(errs) != 0 {
		t.Errorf("execution entries = %+v, want none", errs)
	}
}

func TestValidateCredentialRejectsBadInput(t *testing.T) {
	f := newFixture(t, nil)

	for _, tc := range []struct{ target, body string }{
		{"/api/auth/validate", ""},
		{"/api/auth/validate", "not json"},
		{"/api/auth/validate", `{"idApi":0}`},
		{"/api/auth/validate?idApi=abc", ""},
	} {
		w := f.post(t, tc.target, tc.body)
		if w.Code != gohttp.StatusBadRequest {
			t.Errorf("%s %q: status = %d, want 400", tc.target, tc.body, w.Code)
			continue
		}
		if body := decode[api.ErrorResponse](t, w); body.Error != api.ErrorCodeInvalidRequest {
			t.Errorf("%s %q: error = %q", tc.target, tc.body, body.Error)
		}
	}

	// Only POST is routed; other methods fall through to the JSON 404.
	if w := f.get(t, "/api/auth/validate?idApi=1"); w.Code != gohttp.StatusNotFound {
		t.Errorf("GET status = %d, want 404", w.Code)
	}
}

func TestUnknownRouteIsJSON404(t *testing.T) {
	f := newFixture(t, nil)
	w := f.get(t, "/api/nope")
	if w.Code != gohttp.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	if body := decode[api.ErrorResponse](t, w); body.RequestID == "" {
		t.Error("requestId missing")
	}
}

func TestHealthRoutes(t *testing.T) {
	f := newFixture(t, nil)

	if w := f.get(t, "/healthz"); w.Code != gohttp.StatusOK || w.Body.String() != "ok" {
		t.Errorf("/healthz = %d %q", w.Code, w.Body.String())
	}
	if w := f.get(t, "/readyz"); w.Code != gohttp.StatusOK {
		t.Errorf("/readyz = %d", w.Code)
	}
	if w := f.get(t, "/api/health"); w.Code != gohttp.StatusOK {
		t.Errorf("/api/health = %d", w.Code)
	}

	w := f.get(t, "/api/health/detailed")
	if w.Code != gohttp.StatusOK {
		t.Fatalf("/api/health/detailed = %d", w.Code)
	}
	resp := decode[healthResponse](t, w)
	if resp.Checks["store"].Status != statusHealthy {
		t.Errorf("checks = %+v", resp.Checks)
	}
	if resp.AuditQueueDepth == nil {
		t.Error("audit queue depth missing")
	}
}

func TestHealthReportsUnhealthyDependency(t *testing.T) {
	f := newFixture(t, map[string]Pinger{"postgres": failingPinger{}})

	w := f.get(t, "/api/health/detailed")
	if w.Code != gohttp.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	resp := decode[healthResponse](t, w)
	if resp.Status != statusUnhealthy || resp.Checks["postgres"].Error == "" {
		t.Errorf("resp = %+v", resp)
	}
	if w := f.get(t, "/readyz"); w.Code != gohttp.StatusServiceUnavailable {
		t.Errorf("/readyz = %d, want 503", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.get(t, "/api/execute?idApi=1")

	w := f.get(t, "/metrics")
	if w.Code != gohttp.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "dynapi_requests_total") {
		t.Error("request counter not exported")
	}
}

func TestAdminGuard(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name   string
		header []string
		want   int
	}{
		{"no key", nil, gohttp.StatusUnauthorized},
		{"wrong key", []string{"X-Admin-Key", "guess"}, gohttp.StatusUnauthorized},
		{"header key", []string{"X-Admin-Key", adminKey}, gohttp.StatusOK},
		{"bearer key", []string{"Authorization", "Bearer " + adminKey}, gohttp.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := f.get(t, "/api/admin/audit/errors", tt.header...); w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestAdminGuardIgnoresBlankKeys(t *testing.T) {
	g := newAdminGuard([]string{" ", adminKey})
	if g.allowed("") || g.allowed(" ") {
		t.Error("blank key accepted")
	}
	if !g.allowed(adminKey) {
		t.Error("configured key rejected")
	}
}

func TestAdminAuditReports(t *testing.T) {
	f := newFixture(t, nil)
	f.get(t, "/api/execute?idApi=2")
	f.get(t, "/api/execute?idApi=2")
	f.get(t, "/api/execute?idApi=1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.recorder.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	auth := []string{"X-Admin-Key", adminKey}

	errs := decode[entriesResponse](t, f.get(t, "/api/admin/audit/errors?count=1", auth...))
	if errs.Count != 1 || errs.Entries[0].StatusCode != gohttp.StatusUnauthorized {
		t.Errorf("errors = %+v", errs)
	}

	failures := decode[entriesResponse](t, f.get(t, "/api/admin/auth/failures?idApi=2", auth...))
	if failures.Count != 2 {
		t.Errorf("failures = %d, want 2", failures.Count)
	}

	stats := decode[statsResponse](t, f.get(t, "/api/admin/audit/stats?since=1h", auth...))
	if len(stats.Stats) != 2 {
		t.Errorf("stats = %+v, want one row per endpoint", stats.Stats)
	}
	if !stats.Since.Equal(f.now.Add(-time.Hour)) {
		t.Errorf("since = %v", stats.Since)
	}
}

func TestAdminReportFilterValidation(t *testing.T) {
	f := newFixture(t, nil)
	for _, target := range []string{
		"/api/admin/audit/errors?count=0",
		"/api/admin/audit/stats?idApi=abc",
		"/api/admin/auth/failures?since=yesterday",
	} {
		w := f.get(t, target, "X-Admin-Key", adminKey)
		if w.Code != gohttp.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", target, w.Code)
		}
	}
}

func TestAdminCredentialHealth(t *testing.T) {
	f := newFixture(t, nil)
	w := f.get(t, "/api/admin/auth/health", "X-Admin-Key", adminKey)
	if w.Code != gohttp.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	resp := decode[credentialHealthResponse](t, w)
	if len(resp.Expired) != 1 || resp.Expired[0].Name != "expired" {
		t.Errorf("expired = %+v", resp.Expired)
	}
	if len(resp.Expiring) != 1 || resp.Expiring[0].Name != "expiring" {
		t.Errorf("expiring = %+v", resp.Expiring)
	}
	if len(resp.Warnings) != 2 {
		t.Errorf("warnings = %v", resp.Warnings)
	}
}

func TestAdminRoutesDisabledWithoutKeys(t *testing.T) {
	store := memory.New(0)
	h := NewHandler(Routes{
		Pipeline:  admission.New(admission.Deps{Endpoints: store, Credentials: store}),
		Endpoints: store,
	})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(gohttp.MethodGet, "/api/admin/audit/errors", nil))
	if w.Code != gohttp.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}
