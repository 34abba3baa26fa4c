package memory

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/rhuss/dynapi/pkg/audit"
	"github.com/rhuss/dynapi/pkg/catalog"
	"github.com/rhuss/dynapi/pkg/storage"
)

var base = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func newStore() *Store {
	return New(0, WithClock(func() time.Time { return base }))
}

func TestEndpoints(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	s.PutEndpoint(&catalog.Endpoint{ID: 2, Name: "orders", Scheme: catalog.SchemeAPIKey, Active: true})
	s.PutEndpoint(&catalog.Endpoint{ID: 1, Name: "status", Scheme: catalog.SchemeNone, Active: true, Public: true})
	s.PutEndpoint(&catalog.Endpoint{ID: 3, Name: "retired", Active: false})

	ep, err := s.GetEndpoint(ctx, 2)
	if err != nil {
		t.Fatalf("GetEndpoint: %v", err)
	}
	if ep.Name != "orders" {
		t.Errorf("Name = %q", ep.Name)
	}

	// Returned values are copies.
	ep.Name = "mutated"
	if again, _ := s.GetEndpoint(ctx, 2); again.Name != "orders" {
		t.Error("caller mutation leaked into the store")
	}

	if _, err := s.GetEndpoint(ctx, 999); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetEndpoint(999) error = %v, want ErrNotFound", err)
	}

	active, err := s.ListActiveEndpoints(ctx)
	if err != nil {
		t.Fatalf("ListActiveEndpoints: %v", err)
	}
	if len(active) != 2 || active[0].ID != 1 || active[1].ID != 2 {
		t.Errorf("active = %+v", active)
	}
}

func TestFindCredential(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	id, err := s.PutCredential(&catalog.Credential{
		EndpointID: 2, Scheme: catalog.SchemeAPIKey, Name: "ci",
		SecretHash: catalog.HashSecret("sk-live"), Active: true,
	})
	if err != nil {
		t.Fatalf("PutCredential: %v", err)
	}
	s.PutCredential(&catalog.Credential{
		EndpointID: 2, Scheme: catalog.SchemeAPIKey, Name: "old",
		SecretHash: catalog.HashSecret("sk-old"), Active: true, ExpiresAt: ptr(base),
	})
	s.PutCredential(&catalog.Credential{
		EndpointID: 2, Scheme: catalog.SchemeAPIKey, Name: "revoked",
		SecretHash: catalog.HashSecret("sk-revoked"), Active: false,
	})

	got, err := s.FindCredential(ctx, catalog.SchemeAPIKey, "sk-live", 2)
	if err != nil {
		t.Fatalf("FindCredential: %v", err)
	}
	if got.ID != id {
		t.Errorf("ID = %d, want %d", got.ID, id)
	}

	misses := []struct {
		name     string
		scheme   catalog.Scheme
		secret   string
		endpoint int64
	}{
		{"wrong secret", catalog.SchemeAPIKey, "sk-nope", 2},
		{"wrong endpoint", catalog.SchemeAPIKey, "sk-live", 3},
		{"wrong scheme", catalog.SchemeToken, "sk-live", 2},
		{"expired", catalog.SchemeAPIKey, "sk-old", 2},
		{"inactive", catalog.SchemeAPIKey, "sk-revoked", 2},
	}
	for _, tt := range misses {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.FindCredential(ctx, tt.scheme, tt.secret, tt.endpoint); !errors.Is(err, storage.ErrNotFound) {
				t.Errorf("error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestPutCredentialConflict(t *testing.T) {
	s := newStore()
	if _, err := s.PutCredential(&catalog.Credential{ID: 5, Active: true}); err != nil {
		t.Fatalf("PutCredential: %v", err)
	}
	if _, err := s.PutCredential(&catalog.Credential{ID: 5}); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("error = %v, want ErrConflict", err)
	}
	id, err := s.PutCredential(&catalog.Credential{})
	if err != nil || id == 5 {
		t.Errorf("assigned id = %d, err = %v", id, err)
	}
}

func TestTouchUsage(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	id, _ := s.PutCredential(&catalog.Credential{Active: true})

	at := base.Add(time.Minute)
	for range 3 {
		if err := s.TouchUsage(ctx, id, at); err != nil {
			t.Fatalf("TouchUsage: %v", err)
		}
	}

	c, _ := s.Credential(id)
	if c.UsageCount != 3 {
		t.Errorf("UsageCount = %d, want 3", c.UsageCount)
	}
	if c.LastUsedAt == nil || !c.LastUsedAt.Equal(at) {
		t.Errorf("LastUsedAt = %v", c.LastUsedAt)
	}

	if err := s.TouchUsage(ctx, 999, at); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("unknown credential error = %v", err)
	}
}

func TestListCredentialHealth(t *testing.T) {
	s := newStore()
	s.PutCredential(&catalog.Credential{Name: "expired", Active: true, ExpiresAt: ptr(base.Add(-time.Hour))})
	s.PutCredential(&catalog.Credential{Name: "soon", Active: true, ExpiresAt: ptr(base.Add(24 * time.Hour))})
	s.PutCredential(&catalog.Credential{Name: "later", Active: true, ExpiresAt: ptr(base.Add(30 * 24 * time.Hour))})
	s.PutCredential(&catalog.Credential{Name: "forever", Active: true})
	s.PutCredential(&catalog.Credential{Name: "revoked", Active: false, ExpiresAt: ptr(base)})

	got, err := s.ListCredentialHealth(context.Background(), base, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("ListCredentialHealth: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries: %+v", len(got), got)
	}
	if got[0].Name != "expired" || !got[0].Expired {
		t.Errorf("first = %+v", got[0])
	}
	if got[1].Name != "soon" || got[1].Expired {
		t.Errorf("second = %+v", got[1])
	}
}

func execution(endpointID int64, credentialID *int64, at time.Time, success bool) audit.Entry {
	return audit.Entry{
		Kind:         audit.KindExecution,
		EndpointID:   endpointID,
		CredentialID: credentialID,
		Success:      success,
		Duration:     10 * time.Millisecond,
		ClientIP:     "10.0.0.1",
		Timestamp:    at,
	}
}

func TestCountExecutions(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	cred := ptr(int64(7))

	s.Append(ctx, execution(2, cred, base.Add(-2*time.Minute), true))
	s.Append(ctx, execution(2, cred, base.Add(-30*time.Second), true))
	s.Append(ctx, execution(2, cred, base.Add(-10*time.Second), false))
	s.Append(ctx, execution(3, cred, base, true))
	s.Append(ctx, execution(2, ptr(int64(8)), base, true))

	limited := execution(2, cred, base, false)
	limited.RateLimited = true
	s.Append(ctx, limited)

	attempt := execution(2, cred, base, true)
	attempt.Kind = audit.KindAuthAttempt
	s.Append(ctx, attempt)

	n, err := s.CountExecutions(ctx, 7, 2, base.Add(-time.Minute))
	if err != nil {
		t.Fatalf("CountExecutions: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

func TestCountExecutionsLateArrival(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	cred := ptr(int64(7))

	// A request that started earlier finishes last.
	s.Append(ctx, execution(2, cred, base.Add(-10*time.Second), true))
	s.Append(ctx, execution(2, cred, base.Add(-3*time.Minute), true))
	s.Append(ctx, execution(2, cred, base.Add(-20*time.Second), true))

	n, err := s.CountExecutions(ctx, 7, 2, base.Add(-time.Minute))
	if err != nil {
		t.Fatalf("CountExecutions: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}

	var got []time.Time
	s.mu.RLock()
	s.each(func(e audit.Entry) bool {
		got = append(got, e.Timestamp)
		return true
	})
	s.mu.RUnlock()
	if !slices.IsSortedFunc(got, func(a, b time.Time) int { return b.Compare(a) }) {
		t.Errorf("log order = %v, want newest first", got)
	}
}

func BenchmarkCountExecutions(b *testing.B) {
	s := New(100_000)
	ctx := context.Background()
	cred := ptr(int64(7))
	for i := range 100_000 {
		s.Append(ctx, execution(2, cred, base.Add(time.Duration(i-100_000)*time.Second), true))
	}

	b.ResetTimer()
	for range b.N {
		if _, err := s.CountExecutions(ctx, 7, 2, base.Add(-time.Minute)); err != nil {
			b.Fatal(err)
		}
	}
}

func TestAuditLogEviction(t *testing.T) {
	s := New(3)
	ctx := context.Background()

	for i := range 5 {
		s.Append(ctx, execution(int64(i+1), nil, base, false))
	}
	if s.Len() != 3 {
		t.Fatalf("Len = %d, want 3", s.Len())
	}

	errs, _ := s.RecentErrors(ctx, 10)
	if len(errs) != 3 || errs[0].EndpointID != 5 || errs[2].EndpointID != 3 {
		t.Errorf("RecentErrors = %+v", errs)
	}
}

func TestRecentErrors(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	s.Append(ctx, execution(1, nil, base, false))
	s.Append(ctx, execution(2, nil, base.Add(time.Second), true))
	s.Append(ctx, execution(3, nil, base.Add(2*time.Second), false))
	s.Append(ctx, execution(4, nil, base.Add(3*time.Second), false))

	got, _ := s.RecentErrors(ctx, 2)
	if len(got) != 2 || got[0].EndpointID != 4 || got[1].EndpointID != 3 {
		t.Errorf("RecentErrors(2) = %+v", got)
	}
	if got, _ := s.RecentErrors(ctx, 0); len(got) != 0 {
		t.Errorf("RecentErrors(0) = %+v", got)
	}
}

func TestFailedAttempts(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	attempt := func(endpointID int64, at time.Time, success bool) audit.Entry {
		return audit.Entry{Kind: audit.KindAuthAttempt, EndpointID: endpointID, Success: success, Timestamp: at}
	}
	s.Append(ctx, attempt(1, base.Add(-2*time.Hour), false))
	s.Append(ctx, attempt(1, base.Add(-time.Minute), false))
	s.Append(ctx, attempt(1, base, true))
	s.Append(ctx, attempt(2, base, false))

	all, _ := s.FailedAttempts(ctx, nil, base.Add(-time.Hour))
	if len(all) != 2 || all[0].EndpointID != 2 {
		t.Errorf("all = %+v", all)
	}

	one, _ := s.FailedAttempts(ctx, ptr(int64(1)), base.Add(-time.Hour))
	if len(one) != 1 || one[0].EndpointID != 1 {
		t.Errorf("endpoint 1 = %+v", one)
	}
}

func TestUsageStats(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	e1 := execution(2, ptr(int64(7)), base, true)
	e2 := execution(2, ptr(int64(8)), base.Add(time.Minute), false)
	e2.Duration = 30 * time.Millisecond
	e2.ClientIP = "10.0.0.2"
	e3 := execution(1, nil, base, true)
	for _, e := range []audit.Entry{e1, e2, e3} {
		s.Append(ctx, e)
	}

	stats, err := s.UsageStats(ctx, nil, base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("UsageStats: %v", err)
	}
	if len(stats) != 2 || stats[0].EndpointID != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	st := stats[1]
	if st.TotalExecutions != 2 || st.Successful != 1 || st.Failed != 1 {
		t.Errorf("counts = %+v", st)
	}
	if st.AverageDuration != 20*time.Millisecond {
		t.Errorf("AverageDuration = %v", st.AverageDuration)
	}
	if !st.FirstExecution.Equal(base) || !st.LastExecution.Equal(base.Add(time.Minute)) {
		t.Errorf("range = %v..%v", st.FirstExecution, st.LastExecution)
	}
	if st.UniqueCredentials != 2 || st.UniqueClients != 2 {
		t.Errorf("unique = %d creds, %d clients", st.UniqueCredentials, st.UniqueClients)
	}

	only, _ := s.UsageStats(ctx, ptr(int64(1)), base.Add(-time.Hour))
	if len(only) != 1 || only[0].EndpointID != 1 {
		t.Errorf("filtered = %+v", only)
	}
}
