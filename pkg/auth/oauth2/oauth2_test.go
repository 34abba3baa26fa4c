package oauth2

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rhuss/dynapi/pkg/api"
	"github.com/rhuss/dynapi/pkg/auth"
	"github.com/rhuss/dynapi/pkg/catalog"
)

// introspectionServer answers with the given status and body and counts calls.
func introspectionServer(t *testing.T, calls *atomic.Int32, status int, body map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func endpointFor(t *testing.T, introspectURL string, extra map[string]any) *catalog.Endpoint {
	t.Helper()
	cfg := map[string]any{
		"introspectionEndpoint": introspectURL,
		"clientId":              "gateway",
		"clientSecret":          "s3cret",
	}
	for k, v := range extra {
		cfg[k] = v
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return &catalog.Endpoint{ID: 5, Scheme: catalog.SchemeOAuth2, Active: true, AuthConfig: raw}
}

func validate(t *testing.T, v *Validator, ep *catalog.Endpoint, token string) auth.Result {
	t.Helper()
	res, err := v.Validate(context.Background(), auth.Request{Endpoint: ep, Credential: token})
	if err != nil {
		t.Fatalf("Validate error: %v", err)
	}
	return res
}

func TestOAuth2_ActiveToken(t *testing.T) {
	var gotForm, gotUser, gotPass string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		r.ParseForm()
		gotForm = r.PostForm.Get("token") + "|" + r.PostForm.Get("token_type_hint")
		gotUser, gotPass, _ = r.BasicAuth()
		json.NewEncoder(w).Encode(map[string]any{"active": true, "scope": "read write", "sub": "svc-1"})
	}))
	defer srv.Close()

	res := validate(t, New(), endpointFor(t, srv.URL, nil), "tok-1")

	if !res.Valid {
		t.Fatalf("Valid = false: %q", res.Message)
	}
	if gotForm != "tok-1|access_token" {
		t.Errorf("form = %q", gotForm)
	}
	if gotUser != "gateway" || gotPass != "s3cret" {
		t.Errorf("basic auth = %q:%q", gotUser, gotPass)
	}
	scopes, _ := res.Metadata["scopes"].([]string)
	if len(scopes) != 2 || scopes[0] != "read" || scopes[1] != "write" {
		t.Errorf("scopes = %v", res.Metadata["scopes"])
	}
	if _, ok := res.Metadata["token_info"].(string); !ok {
		t.Errorf("token_info = %T", res.Metadata["token_info"])
	}
	if _, ok := res.Metadata["validated_at"].(time.Time); !ok {
		t.Errorf("validated_at = %T", res.Metadata["validated_at"])
	}
}

func TestOAuth2_FailuresAreUnauthorized(t *testing.T) {
	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL
	closed.Close()

	tests := []struct {
		name string
		url  func(t *testing.T) string
	}{
		{"inactive token", func(t *testing.T) string {
			return introspectionServer(t, nil, http.StatusOK, map[string]any{"active": false}).URL
		}},
		{"server error", func(t *testing.T) string {
			return introspectionServer(t, nil, http.StatusInternalServerError, map[string]any{"error": "boom"}).URL
		}},
		{"client rejected", func(t *testing.T) string {
			return introspectionServer(t, nil, http.StatusUnauthorized, map[string]any{"error": "invalid_client"}).URL
		}},
		{"network error", func(t *testing.T) string { return closedURL }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := validate(t, New(), endpointFor(t, tt.url(t), nil), "tok")
			if res.Valid {
				t.Fatal("expected rejection")
			}
			if res.Code != api.ErrorCodeUnauthorized {
				t.Errorf("Code = %q, want UNAUTHORIZED", res.Code)
			}
		})
	}
}

func TestOAuth2_TimeoutBound(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	v := New(WithTimeout(50 * time.Millisecond))

	start := time.Now()
	res := validate(t, v, endpointFor(t, srv.URL, nil), "tok")
	elapsed := time.Since(start)

	if res.Valid || res.Code != api.ErrorCodeUnauthorized {
		t.Fatalf("Valid=%v Code=%q, want UNAUTHORIZED", res.Valid, res.Code)
	}
	if elapsed > 2*time.Second {
		t.Errorf("introspection took %v, timeout not applied", elapsed)
	}
}

func TestOAuth2_RequiredScopes(t *testing.T) {
	tests := []struct {
		name      string
		body      map[string]any
		required  []string
		wantValid bool
	}{
		{"superset", map[string]any{"active": true, "scope": "read write admin"}, []string{"read", "write"}, true},
		{"missing one", map[string]any{"active": true, "scope": "read"}, []string{"read", "write"}, false},
		{"no scope claim", map[string]any{"active": true}, []string{"read"}, false},
		{"none required", map[string]any{"active": true}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := introspectionServer(t, nil, http.StatusOK, tt.body)
			ep := endpointFor(t, srv.URL, map[string]any{"requiredScopes": tt.required})
			res := validate(t, New(), ep, "tok")
			if res.Valid != tt.wantValid {
				t.Errorf("Valid = %v, want %v (%q)", res.Valid, tt.wantValid, res.Message)
			}
		})
	}
}

func TestOAuth2_CachesActiveTokens(t *testing.T) {
	var calls atomic.Int32
	srv := introspectionServer(t, &calls, http.StatusOK, map[string]any{"active": true, "scope": "read"})

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := New(WithClock(func() time.Time { return now }))
	ep := endpointFor(t, srv.URL, nil)

	validate(t, v, ep, "tok")
	validate(t, v, ep, "tok")
	if got := calls.Load(); got != 1 {
		t.Errorf("introspection calls = %d, want 1 (second from cache)", got)
	}

	validate(t, v, ep, "other-token")
	if got := calls.Load(); got != 2 {
		t.Errorf("introspection calls = %d, want 2 for a different token", got)
	}

	now = now.Add(6 * time.Minute)
	validate(t, v, ep, "tok")
	if got := calls.Load(); got != 3 {
		t.Errorf("introspection calls = %d, want 3 after the cache window", got)
	}
}

func TestOAuth2_CacheBoundedByExp(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var calls atomic.Int32
	srv := introspectionServer(t, &calls, http.StatusOK, map[string]any{
		"active": true,
		"exp":    now.Add(time.Minute).Unix(),
	})

	v := New(WithClock(func() time.Time { return now }))
	ep := endpointFor(t, srv.URL, nil)

	validate(t, v, ep, "tok")
	now = now.Add(2 * time.Minute)
	validate(t, v, ep, "tok")

	if got := calls.Load(); got != 2 {
		t.Errorf("introspection calls = %d, want 2 (cache must not outlive exp)", got)
	}
}

func TestOAuth2_InactiveNotCached(t *testing.T) {
	var calls atomic.Int32
	srv := introspectionServer(t, &calls, http.StatusOK, map[string]any{"active": false})

	v := New()
	ep := endpointFor(t, srv.URL, nil)
	validate(t, v, ep, "tok")
	validate(t, v, ep, "tok")

	if got := calls.Load(); got != 2 {
		t.Errorf("introspection calls = %d, want 2", got)
	}
	if v.cache.size() != 0 {
		t.Errorf("cache size = %d, want 0", v.cache.size())
	}
}

func TestOAuth2_BreakerOpensAfterFailures(t *testing.T) {
	var calls atomic.Int32
	srv := introspectionServer(t, &calls, http.StatusServiceUnavailable, map[string]any{})

	v := New(WithBreaker(BreakerConfig{MaxFailures: 3, OpenTimeout: time.Hour}))
	ep := endpointFor(t, srv.URL, nil)

	for i := 0; i < 6; i++ {
		res := validate(t, v, ep, "tok")
		if res.Code != api.ErrorCodeUnauthorized {
			t.Fatalf("call %d: Code = %q", i, res.Code)
		}
	}

	if got := calls.Load(); got != 3 {
		t.Errorf("server calls = %d, want 3 (breaker open afterwards)", got)
	}
	if got := v.BreakerState(srv.URL); got != "open" {
		t.Errorf("breaker state = %q, want open", got)
	}
}

func TestOAuth2_CanceledCallersDoNotOpenBreaker(t *testing.T) {
	var calls atomic.Int32
	srv := introspectionServer(t, &calls, http.StatusOK, map[string]any{"active": true})

	v := New(WithBreaker(BreakerConfig{MaxFailures: 3, OpenTimeout: time.Hour}))
	ep := endpointFor(t, srv.URL, map[string]any{"tokenCacheMinutes": 0})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 5; i++ {
		res, err := v.Validate(ctx, auth.Request{Endpoint: ep, Credential: "tok"})
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if res.Valid {
			t.Fatalf("call %d: canceled call validated", i)
		}
	}

	if got := v.BreakerState(srv.URL); got != "closed" {
		t.Fatalf("breaker state = %q, want closed", got)
	}
	if res := validate(t, v, ep, "tok"); !res.Valid {
		t.Errorf("healthy server rejected after canceled calls: %+v", res)
	}
}

func TestOAuth2_OwnTimeoutCountsAsFailure(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	v := New(WithTimeout(30*time.Millisecond), WithBreaker(BreakerConfig{MaxFailures: 2, OpenTimeout: time.Hour}))
	ep := endpointFor(t, srv.URL, nil)

	for i := 0; i < 2; i++ {
		validate(t, v, ep, "tok")
	}
	if got := v.BreakerState(srv.URL); got != "open" {
		t.Errorf("breaker state = %q, want open", got)
	}
}

func TestOAuth2_MissingIntrospectionEndpoint(t *testing.T) {
	ep := endpointFor(t, "", nil)
	_, err := New().Validate(context.Background(), auth.Request{Endpoint: ep, Credential: "tok"})
	if !errors.Is(err, ErrNoIntrospectionEndpoint) {
		t.Fatalf("err = %v, want ErrNoIntrospectionEndpoint", err)
	}
}
