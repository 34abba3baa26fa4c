// Package memory provides an in-memory catalog and audit store for tests
// and single-instance deployments. Data is lost when the process restarts.
// The audit log keeps at most a configured number of entries; the oldest
// entry is evicted when the limit is reached.
package memory

import (
	"cmp"
	"container/list"
	"context"
	"crypto/subtle"
	"slices"
	"sync"
	"time"

	"github.com/rhuss/dynapi/pkg/audit"
	"github.com/rhuss/dynapi/pkg/catalog"
	"github.com/rhuss/dynapi/pkg/storage"
)

var (
	_ catalog.EndpointStore   = (*Store)(nil)
	_ catalog.CredentialStore = (*Store)(nil)
	_ audit.Store             = (*Store)(nil)
	_ audit.Counter           = (*Store)(nil)
	_ audit.Reporter          = (*Store)(nil)
	_ audit.UsageToucher      = (*Store)(nil)
)

// Store holds endpoints, credentials, and the audit log.
type Store struct {
	mu          sync.RWMutex
	endpoints   map[int64]*catalog.Endpoint
	credentials map[int64]*catalog.Credential
	nextCredID  int64

	log        *list.List // of audit.Entry; front = newest
	maxEntries int        // 0 = unlimited

	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store. If maxEntries is 0 the audit log grows
// without limit.
func New(maxEntries int, opts ...Option) *Store {
	s := &Store{
		endpoints:   make(map[int64]*catalog.Endpoint),
		credentials: make(map[int64]*catalog.Credential),
		log:         list.New(),
		maxEntries:  maxEntries,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PutEndpoint adds or replaces an endpoint.
func (s *Store) PutEndpoint(ep *catalog.Endpoint) {
	cp := *ep
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints[ep.ID] = &cp
}

// PutCredential adds a credential and returns its id. A zero ID is
// assigned; an explicit ID that is already taken yields ErrConflict.
func (s *Store) PutCredential(c *catalog.Credential) (int64, error) {
	cp := *c
	s.mu.Lock()
	defer s.mu.Unlock()

	if cp.ID == 0 {
		s.nextCredID++
		for s.credentials[s.nextCredID] != nil {
			s.nextCredID++
		}
		cp.ID = s.nextCredID
	} else if _, exists := s.credentials[cp.ID]; exists {
		return 0, storage.ErrConflict
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	s.credentials[cp.ID] = &cp
	return cp.ID, nil
}

// Credential returns a copy of a stored credential.
func (s *Store) Credential(id int64) (*catalog.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.credentials[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// GetEndpoint implements catalog.EndpointStore.
func (s *Store) GetEndpoint(_ context.Context, id int64) (*catalog.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.endpoints[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *ep
	return &cp, nil
}

// ListActiveEndpoints implements catalog.EndpointStore, ordered by id.
func (s *Store) ListActiveEndpoints(_ context.Context) ([]*catalog.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*catalog.Endpoint
	for _, ep := range s.endpoints {
		if ep.Active {
			cp := *ep
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(a, b *catalog.Endpoint) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// FindCredential implements catalog.CredentialStore.
func (s *Store) FindCredential(_ context.Context, scheme catalog.Scheme, secret string, endpointID int64) (*catalog.Credential, error) {
	hash := []byte(catalog.HashSecret(secret))
	now := s.now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.credentials {
		if c.Scheme != scheme || c.EndpointID != endpointID || !c.Usable(now) {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(c.SecretHash), hash) == 1 {
			cp := *c
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

// TouchUsage implements catalog.CredentialStore.
func (s *Store) TouchUsage(_ context.Context, credentialID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.credentials[credentialID]
	if !ok {
		return storage.ErrNotFound
	}
	c.UsageCount++
	c.LastUsedAt = &at
	return nil
}

// ListCredentialHealth implements catalog.CredentialStore, soonest expiry
// first.
func (s *Store) ListCredentialHealth(_ context.Context, now time.Time, within time.Duration) ([]catalog.CredentialHealth, error) {
	horizon := now.Add(within)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []catalog.CredentialHealth
	for _, c := range s.credentials {
		if !c.Active || c.ExpiresAt == nil || c.ExpiresAt.After(horizon) {
			continue
		}
		out = append(out, catalog.CredentialHealth{
			ID:         c.ID,
			EndpointID: c.EndpointID,
			Name:       c.Name,
			Scheme:     c.Scheme,
			ExpiresAt:  c.ExpiresAt,
			Expired:    c.Expired(now),
			LastUsedAt: c.LastUsedAt,
		})
	}
	slices.SortFunc(out, func(a, b catalog.CredentialHealth) int {
		if c := a.ExpiresAt.Compare(*b.ExpiresAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

// Append implements audit.Store.
func (s *Store) Append(_ context.Context, e audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxEntries > 0 && s.log.Len() >= s.maxEntries {
		s.log.Remove(s.log.Back())
	}
	// The log stays ordered newest first. Entries normally arrive in order,
	// so the walk ends at the front.
	el := s.log.Front()
	for el != nil && el.Value.(audit.Entry).Timestamp.After(e.Timestamp) {
		el = el.Next()
	}
	if el == nil {
		s.log.PushBack(e)
	} else {
		s.log.InsertBefore(e, el)
	}
	return nil
}

// CountExecutions implements audit.Counter.
func (s *Store) CountExecutions(_ context.Context, credentialID, endpointID int64, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	s.each(func(e audit.Entry) bool {
		if e.Timestamp.Before(since) {
			return false
		}
		if e.Kind == audit.KindExecution && !e.RateLimited && e.EndpointID == endpointID &&
			e.CredentialID != nil && *e.CredentialID == credentialID {
			n++
		}
		return true
	})
	return n, nil
}

// RecentErrors implements audit.Reporter.
func (s *Store) RecentErrors(_ context.Context, n int) ([]audit.Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []audit.Entry
	s.each(func(e audit.Entry) bool {
		if e.Kind == audit.KindExecution && !e.Success {
			out = append(out, e)
		}
		return len(out) < n
	})
	return out, nil
}

// FailedAttempts implements audit.Reporter.
func (s *Store) FailedAttempts(_ context.Context, endpointID *int64, since time.Time) ([]audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []audit.Entry
	s.each(func(e audit.Entry) bool {
		if e.Timestamp.Before(since) {
			return false
		}
		if e.Kind == audit.KindAuthAttempt && !e.Success &&
			(endpointID == nil || e.EndpointID == *endpointID) {
			out = append(out, e)
		}
		return true
	})
	return out, nil
}

// UsageStats implements audit.Reporter, ordered by endpoint id.
func (s *Store) UsageStats(_ context.Context, endpointID *int64, since time.Time) ([]audit.UsageStats, error) {
	type acc struct {
		stats   audit.UsageStats
		total   time.Duration
		creds   map[int64]struct{}
		clients map[string]struct{}
	}
	groups := make(map[int64]*acc)

	s.mu.RLock()
	s.each(func(e audit.Entry) bool {
		if e.Timestamp.Before(since) {
			return false
		}
		if e.Kind != audit.KindExecution || (endpointID != nil && e.EndpointID != *endpointID) {
			return true
		}
		a, ok := groups[e.EndpointID]
		if !ok {
			a = &acc{
				stats:   audit.UsageStats{EndpointID: e.EndpointID, FirstExecution: e.Timestamp, LastExecution: e.Timestamp},
				creds:   make(map[int64]struct{}),
				clients: make(map[string]struct{}),
			}
			groups[e.EndpointID] = a
		}
		a.stats.TotalExecutions++
		if e.Success {
			a.stats.Successful++
		} else {
			a.stats.Failed++
		}
		a.total += e.Duration
		if e.Timestamp.Before(a.stats.FirstExecution) {
			a.stats.FirstExecution = e.Timestamp
		}
		if e.Timestamp.After(a.stats.LastExecution) {
			a.stats.LastExecution = e.Timestamp
		}
		if e.CredentialID != nil {
			a.creds[*e.CredentialID] = struct{}{}
		}
		if e.ClientIP != "" {
			a.clients[e.ClientIP] = struct{}{}
		}
		return true
	})
	s.mu.RUnlock()

	out := make([]audit.UsageStats, 0, len(groups))
	for _, a := range groups {
		a.stats.AverageDuration = a.total / time.Duration(a.stats.TotalExecutions)
		a.stats.UniqueCredentials = len(a.creds)
		a.stats.UniqueClients = len(a.clients)
		out = append(out, a.stats)
	}
	slices.SortFunc(out, func(a, b audit.UsageStats) int { return cmp.Compare(a.EndpointID, b.EndpointID) })
	return out, nil
}

// Len returns the number of audit entries held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.log.Len()
}

// Ping always succeeds for the in-memory store.
func (s *Store) Ping(context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}

// each walks the audit log newest first until fn returns false. The caller
// holds the lock.
func (s *Store) each(fn func(audit.Entry) bool) {
	for el := s.log.Front(); el != nil; el = el.Next() {
		if !fn(el.Value.(audit.Entry)) {
			return
		}
	}
}
