package http

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rhuss/dynapi/pkg/api"
	"github.com/rhuss/dynapi/pkg/audit"
	"github.com/rhuss/dynapi/pkg/catalog"
	"github.com/rhuss/dynapi/pkg/transport"
)

const (
	defaultErrorCount = 50
	maxErrorCount     = 1000
	defaultLookback   = 24 * time.Hour

	// expiryHorizon is how far ahead the credential health report looks.
	expiryHorizon = 7 * 24 * time.Hour
)

// adminGuard checks the X-Admin-Key header (or a Bearer token) against
// the configured keys. Only SHA-256 digests of the keys are held.
type adminGuard struct {
	digests [][sha256.Size]byte
}

func newAdminGuard(keys []string) *adminGuard {
	g := &adminGuard{}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			g.digests = append(g.digests, sha256.Sum256([]byte(k)))
		}
	}
	return g
}

// allowed compares against every digest so timing does not reveal which
// key matched.
func (g *adminGuard) allowed(key string) bool {
	if key == "" {
		return false
	}
	sum := sha256.Sum256([]byte(key))
	match := 0
	for i := range g.digests {
		match |= subtle.ConstantTimeCompare(sum[:], g.digests[i][:])
	}
	return match == 1
}

func (g *adminGuard) wrap(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Admin-Key")
		if key == "" {
			if v, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
				key = strings.TrimSpace(v)
			}
		}
		if !g.allowed(key) {
			transport.WriteError(w, r, api.NewUnauthorizedError("a valid admin key is required"))
			return
		}
		next(w, r)
	})
}

type entriesResponse struct {
	Entries []audit.Entry `json:"entries"`
	Count   int           `json:"count"`
}

func (rt *Routes) handleAuditErrors(w http.ResponseWriter, r *http.Request) {
	count := defaultErrorCount
	if v := r.URL.Query().Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			transport.WriteError(w, r, api.NewInvalidRequestError("count must be a positive integer"))
			return
		}
		count = min(n, maxErrorCount)
	}

	entries, err := rt.Reports.RecentErrors(r.Context(), count)
	if err != nil {
		transport.WriteError(w, r, err)
		return
	}
	transport.WriteJSON(w, http.StatusOK, entriesResponse{Entries: nonNil(entries), Count: len(entries)})
}

type statsResponse struct {
	Since time.Time          `json:"since"`
	Stats []audit.UsageStats `json:"stats"`
}

func (rt *Routes) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	endpointID, since, apiErr := rt.reportFilter(r)
	if apiErr != nil {
		transport.WriteError(w, r, apiErr)
		return
	}
	stats, err := rt.Reports.UsageStats(r.Context(), endpointID, since)
	if err != nil {
		transport.WriteError(w, r, err)
		return
	}
	transport.WriteJSON(w, http.StatusOK, statsResponse{Since: since, Stats: nonNil(stats)})
}

func (rt *Routes) handleAuthFailures(w http.ResponseWriter, r *http.Request) {
	endpointID, since, apiErr := rt.reportFilter(r)
	if apiErr != nil {
		transport.WriteError(w, r, apiErr)
		return
	}
	entries, err := rt.Reports.FailedAttempts(r.Context(), endpointID, since)
	if err != nil {
		transport.WriteError(w, r, err)
		return
	}
	transport.WriteJSON(w, http.StatusOK, entriesResponse{Entries: nonNil(entries), Count: len(entries)})
}

type credentialHealthResponse struct {
	Expired  []catalog.CredentialHealth `json:"expired"`
	Expiring []catalog.CredentialHealth `json:"expiring"`
	Warnings []string                   `json:"warnings"`
}

func (rt *Routes) handleAuthHealth(w http.ResponseWriter, r *http.Request) {
	now := rt.Clock()
	creds, err := rt.Credentials.ListCredentialHealth(r.Context(), now, expiryHorizon)
	if err != nil {
		transport.WriteError(w, r, err)
		return
	}

	resp := credentialHealthResponse{
		Expired:  []catalog.CredentialHealth{},
		Expiring: []catalog.CredentialHealth{},
		Warnings: []string{},
	}
	for _, c := range creds {
		if c.Expired {
			resp.Expired = append(resp.Expired, c)
			continue
		}
		resp.Expiring = append(resp.Expiring, c)
		if c.ExpiresAt != nil {
			days := int(c.ExpiresAt.Sub(now).Hours() / 24)
			resp.Warnings = append(resp.Warnings, fmt.Sprintf(
				"credential %q for API %d expires in %d day(s)", c.Name, c.EndpointID, days))
		}
	}
	if n := len(resp.Expired); n > 0 {
		resp.Warnings = append(resp.Warnings, fmt.Sprintf("%d credential(s) have expired", n))
	}
	transport.WriteJSON(w, http.StatusOK, resp)
}

// reportFilter parses the optional idApi and since query parameters. since
// accepts RFC 3339 or a duration such as 6h, measured back from now.
func (rt *Routes) reportFilter(r *http.Request) (*int64, time.Time, *api.APIError) {
	q := r.URL.Query()

	var endpointID *int64
	if v := q.Get("idApi"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			return nil, time.Time{}, api.NewInvalidRequestError("idApi must be a positive integer")
		}
		endpointID = &id
	}

	since := rt.Clock().Add(-defaultLookback)
	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			since = t
		} else if d, err := time.ParseDuration(v); err == nil && d > 0 {
			since = rt.Clock().Add(-d)
		} else {
			return nil, time.Time{}, api.NewInvalidRequestError("since must be an RFC 3339 timestamp or a duration")
		}
	}
	return endpointID, since, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
