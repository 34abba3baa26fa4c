package auth

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/rhuss/dynapi/pkg/catalog"
	"github.com/rhuss/dynapi/pkg/debug"
)

// Source names where a credential was found.
type Source string

const (
	SourceNone          Source = ""
	SourceAuthorization Source = "authorization"
	SourceHeader        Source = "header"
	SourceQuery         Source = "query"
)

type extractRule struct {
	prefixes   []string
	headers    []string
	allowQuery bool
	hint       string
}

var extractRules = map[catalog.Scheme]extractRule{
	catalog.SchemeToken: {
		prefixes:   []string{"Bearer"},
		headers:    []string{"X-API-Token"},
		allowQuery: true,
		hint:       "Authorization: Bearer {token} or X-API-Token: {token}",
	},
	catalog.SchemeAPIKey: {
		prefixes:   []string{"ApiKey"},
		headers:    []string{"X-API-Key"},
		allowQuery: true,
		hint:       "Authorization: ApiKey {apikey} or X-API-Key: {apikey}",
	},
	catalog.SchemeJWT: {
		prefixes:   []string{"Bearer"},
		headers:    []string{"X-JWT-Token"},
		allowQuery: true,
		hint:       "Authorization: Bearer {jwt} or X-JWT-Token: {jwt}",
	},
	catalog.SchemeOAuth2: {
		prefixes:   []string{"Bearer"},
		allowQuery: true,
		hint:       "Authorization: Bearer {access_token}",
	},
	catalog.SchemeNTLM: {
		prefixes: []string{"NTLM", "Negotiate"},
		hint:     "Authorization: NTLM {token} or Authorization: Negotiate {token}",
	},
	catalog.SchemeBasic: {
		prefixes: []string{"Basic"},
		hint:     "Authorization: Basic {base64(username:password)}",
	},
}

// queryParams are checked in order when a scheme allows query credentials.
var queryParams = []string{"token", "apikey", "key", "auth"}

// Extractor pulls the raw credential for a scheme out of a request.
type Extractor struct {
	logger *slog.Logger
	warn   rate.Sometimes
}

// NewExtractor creates an Extractor. Query-string credential warnings are
// logged at most once per minute.
func NewExtractor(logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		logger: logger,
		warn:   rate.Sometimes{First: 1, Interval: time.Minute},
	}
}

// Extract returns the credential for scheme and where it was found. The
// Authorization header with the scheme's prefix wins over custom headers,
// which win over the query string. An empty credential is not an error.
func (e *Extractor) Extract(scheme catalog.Scheme, r *http.Request) (string, Source) {
	rule, ok := extractRules[scheme]
	if !ok {
		return "", SourceNone
	}

	if v := authorizationValue(r.Header.Get("Authorization"), rule.prefixes); v != "" {
		return v, SourceAuthorization
	}

	for _, h := range rule.headers {
		if v := strings.TrimSpace(r.Header.Get(h)); v != "" {
			return v, SourceHeader
		}
	}

	if rule.allowQuery {
		q := r.URL.Query()
		for _, p := range queryParams {
			if v := strings.TrimSpace(q.Get(p)); v != "" {
				e.warn.Do(func() {
					e.logger.Warn("credential passed in query string; use a header instead",
						"scheme", scheme, "param", p, "path", r.URL.Path)
				})
				debug.Log("auth", "credential from query", "scheme", scheme, "param", p)
				return v, SourceQuery
			}
		}
	}

	return "", SourceNone
}

// authorizationValue returns the trimmed remainder of header when it starts
// with one of prefixes followed by whitespace. Prefix matching ignores case.
func authorizationValue(header string, prefixes []string) string {
	header = strings.TrimSpace(header)
	for _, p := range prefixes {
		if len(header) <= len(p) || !strings.EqualFold(header[:len(p)], p) {
			continue
		}
		if c := header[len(p)]; c != ' ' && c != '\t' {
			continue
		}
		return strings.TrimSpace(header[len(p):])
	}
	return ""
}

// Hint returns the header format expected for scheme.
func Hint(scheme catalog.Scheme) string {
	return extractRules[scheme].hint
}
