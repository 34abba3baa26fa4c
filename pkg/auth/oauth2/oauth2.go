// Package oauth2 provides the OAUTH2 validator. Access tokens are checked
// against the endpoint's RFC 7662 introspection endpoint.
//
// Every introspection call is bounded by a timeout and runs through a
// circuit breaker kept per introspection URL. Transport failures, non-2xx
// answers, an open breaker, and inactive tokens all produce the same
// UNAUTHORIZED result; the cause is only logged. Active tokens are cached
// for the endpoint's tokenCacheMinutes, never past the token's exp.
package oauth2

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/rhuss/dynapi/pkg/auth"
	"github.com/rhuss/dynapi/pkg/debug"
	"github.com/rhuss/dynapi/pkg/observability"
)

// Sentinel errors.
var (
	// ErrNoIntrospectionEndpoint is returned for endpoints whose OAuth2
	// configuration lacks an introspection URL.
	ErrNoIntrospectionEndpoint = errors.New("oauth2 introspection endpoint not configured")

	// ErrIntrospection wraps failed introspection calls.
	ErrIntrospection = errors.New("oauth2 introspection failed")
)

// errCallerGone marks introspection calls abandoned because the inbound
// request was canceled. The breaker does not count them as failures.
var errCallerGone = errors.New("oauth2 introspection abandoned by caller")

// maxResponseBytes bounds the introspection body read into memory.
const maxResponseBytes = 1 << 20

// Config is the per-endpoint OAuth2 configuration, decoded from the
// endpoint's auth config blob.
type Config struct {
	AuthorizationServer   string   `json:"authorizationServer"`
	TokenEndpoint         string   `json:"tokenEndpoint"`
	IntrospectionEndpoint string   `json:"introspectionEndpoint"`
	ClientID              string   `json:"clientId"`
	ClientSecret          string   `json:"clientSecret"`
	RequiredScopes        []string `json:"requiredScopes"`

	// TokenCacheMinutes is how long an active token is trusted without
	// asking the server again. Default: 5. Zero disables caching.
	TokenCacheMinutes *int `json:"tokenCacheMinutes"`
}

func (c *Config) cacheTTL() time.Duration {
	if c.TokenCacheMinutes == nil {
		return 5 * time.Minute
	}
	return time.Duration(*c.TokenCacheMinutes) * time.Minute
}

// BreakerConfig controls the per-URL circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// OpenTimeout is how long the breaker stays open before letting a probe
	// through. Default: 30 seconds.
	OpenTimeout time.Duration
}

// Validator checks OAuth2 access tokens by introspection.
type Validator struct {
	client  *http.Client
	timeout time.Duration
	breaker BreakerConfig
	now     func() time.Time
	logger  *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker

	cache *tokenCache
}

// Option configures a Validator.
type Option func(*Validator)

// WithHTTPClient sets the client used for introspection calls.
func WithHTTPClient(c *http.Client) Option {
	return func(v *Validator) { v.client = c }
}

// WithTimeout bounds each introspection call. Default: 10 seconds.
func WithTimeout(d time.Duration) Option {
	return func(v *Validator) { v.timeout = d }
}

// WithBreaker sets the circuit breaker configuration.
func WithBreaker(b BreakerConfig) Option {
	return func(v *Validator) { v.breaker = b }
}

// WithClock sets the time source for the token cache.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// WithLogger sets the validator logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Validator) { v.logger = l }
}

// New creates an OAuth2 validator.
func New(opts ...Option) *Validator {
	v := &Validator{
		client:   http.DefaultClient,
		timeout:  10 * time.Second,
		now:      time.Now,
		logger:   slog.Default(),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		cache:    newTokenCache(),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.timeout <= 0 {
		v.timeout = 10 * time.Second
	}
	if v.breaker.MaxFailures <= 0 {
		v.breaker.MaxFailures = 5
	}
	if v.breaker.OpenTimeout <= 0 {
		v.breaker.OpenTimeout = 30 * time.Second
	}
	return v
}

// introspection is the subset of the RFC 7662 response the gateway reads.
type introspection struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope"`
	ClientID  string `json:"client_id"`
	Username  string `json:"username"`
	Subject   string `json:"sub"`
	ExpiresAt int64  `json:"exp"`

	raw string
}

// Validate introspects the token, or answers from the cache.
func (v *Validator) Validate(ctx context.Context, req auth.Request) (auth.Result, error) {
	var cfg Config
	if err := req.Endpoint.DecodeAuthConfig(&cfg); err != nil {
		return auth.Result{}, err
	}
	if cfg.IntrospectionEndpoint == "" {
		return auth.Result{}, fmt.Errorf("endpoint %d: %w", req.Endpoint.ID, ErrNoIntrospectionEndpoint)
	}

	key := cacheKey(req.Endpoint.ID, req.Credential)
	now := v.now()
	if info, ok := v.cache.get(key, now); ok {
		debug.Log("auth", "oauth2 token cache hit", "endpoint_id", req.Endpoint.ID)
		return v.result(&cfg, info, now), nil
	}

	info, err := v.introspect(ctx, &cfg, req.Credential)
	if err != nil {
		v.logger.Warn("oauth2 introspection failed",
			"endpoint_id", req.Endpoint.ID,
			"url", cfg.IntrospectionEndpoint,
			"error", err,
		)
		return auth.Unauthorized("OAuth2 token could not be validated"), nil
	}
	if !info.Active {
		observability.IntrospectionRequestsTotal.WithLabelValues("inactive").Inc()
		return auth.Unauthorized("OAuth2 token is not active"), nil
	}
	observability.IntrospectionRequestsTotal.WithLabelValues("active").Inc()

	res := v.result(&cfg, info, now)
	if res.Valid && cfg.cacheTTL() > 0 {
		v.cache.put(key, info, v.cacheUntil(&cfg, info, now))
	}
	return res, nil
}

// result applies the scope requirement to an active introspection.
func (v *Validator) result(cfg *Config, info *introspection, now time.Time) auth.Result {
	scopes := strings.Fields(info.Scope)
	if len(cfg.RequiredScopes) > 0 {
		if info.Scope == "" {
			return auth.Unauthorized("OAuth2 token carries no scope information")
		}
		have := make(map[string]bool, len(scopes))
		for _, s := range scopes {
			have[s] = true
		}
		for _, rs := range cfg.RequiredScopes {
			if !have[rs] {
				return auth.Unauthorized("OAuth2 token lacks the required scopes")
			}
		}
	}

	md := map[string]any{
		"token_info":   info.raw,
		"scopes":       scopes,
		"validated_at": now.UTC(),
	}
	if info.Subject != "" {
		md["subject"] = info.Subject
	}
	if info.ClientID != "" {
		md["client_id"] = info.ClientID
	}
	return auth.Allow(md)
}

// cacheUntil bounds the cache lifetime by the token's own expiry.
func (v *Validator) cacheUntil(cfg *Config, info *introspection, now time.Time) time.Time {
	until := now.Add(cfg.cacheTTL())
	if info.ExpiresAt > 0 {
		if exp := time.Unix(info.ExpiresAt, 0); exp.Before(until) {
			until = exp
		}
	}
	return until
}

// introspect performs the RFC 7662 call through the URL's breaker.
func (v *Validator) introspect(ctx context.Context, cfg *Config, token string) (*introspection, error) {
	cb := v.breakerFor(cfg.IntrospectionEndpoint)

	callCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	start := time.Now()
	out, err := cb.Execute(func() (interface{}, error) {
		info, err := v.post(callCtx, cfg, token)
		if err != nil && ctx.Err() != nil {
			// The client went away; the server is not at fault.
			return nil, fmt.Errorf("%w: %w", errCallerGone, ctx.Err())
		}
		return info, err
	})
	observability.IntrospectionLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		outcome := "error"
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			outcome = "breaker_open"
		case errors.Is(err, errCallerGone):
			outcome = "canceled"
		}
		observability.IntrospectionRequestsTotal.WithLabelValues(outcome).Inc()
		return nil, err
	}
	return out.(*introspection), nil
}

func (v *Validator) post(ctx context.Context, cfg *Config, token string) (*introspection, error) {
	form := url.Values{
		"token":           {token},
		"token_type_hint": {"access_token"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.IntrospectionEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %v", ErrIntrospection, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(url.QueryEscape(cfg.ClientID), url.QueryEscape(cfg.ClientSecret))

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntrospection, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrIntrospection, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d", ErrIntrospection, resp.StatusCode)
	}

	var info introspection
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrIntrospection, err)
	}
	info.raw = string(body)
	return &info, nil
}

// breakerFor returns the breaker guarding rawURL, creating it on first use.
func (v *Validator) breakerFor(rawURL string) *gobreaker.CircuitBreaker {
	v.mu.Lock()
	defer v.mu.Unlock()

	if cb, ok := v.breakers[rawURL]; ok {
		return cb
	}

	maxFailures := uint32(v.breaker.MaxFailures)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "oauth2-introspection " + rawURL,
		MaxRequests: 1,
		Timeout:     v.breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errCallerGone)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			v.logger.Warn("circuit breaker state change",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
			observability.CircuitBreakerTransitionsTotal.WithLabelValues("oauth2_introspection", from.String(), to.String()).Inc()
		},
	})
	v.breakers[rawURL] = cb
	return cb
}

// BreakerState reports the state of the breaker guarding rawURL, or
// "closed" when no call has been made to it yet.
func (v *Validator) BreakerState(rawURL string) string {
	v.mu.Lock()
	cb, ok := v.breakers[rawURL]
	v.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed.String()
	}
	return cb.State().String()
}

// cacheKey scopes a token to its endpoint without keeping the token itself.
func cacheKey(endpointID int64, token string) string {
	sum := sha256.Sum256([]byte(strconv.FormatInt(endpointID, 10) + ":" + token))
	return hex.EncodeToString(sum[:])
}
