// Package ntlm provides the NTLM validator as an extension point. The actual
// challenge/response exchange belongs to a directory-service integration,
// plugged in as a Provider.
//
// The default FlagProvider does not verify anything: it admits any presented
// token when the endpoint requires authentication. It is not fit for
// production use.
package ntlm

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/rhuss/dynapi/pkg/auth"
)

// Config is the per-endpoint NTLM configuration.
type Config struct {
	Domain         string   `json:"domain"`
	RequiredGroups []string `json:"requiredGroups"`
	AllowedUsers   []string `json:"allowedUsers"`

	// RequireAuthentication defaults to true when omitted.
	RequireAuthentication *bool `json:"requireAuthentication"`
}

// RequiresAuthentication reports the effective flag.
func (c *Config) RequiresAuthentication() bool {
	return c.RequireAuthentication == nil || *c.RequireAuthentication
}

// Provider authenticates an NTLM/Negotiate token.
type Provider interface {
	// Name identifies the provider in result metadata.
	Name() string

	// Authenticate returns the authenticated user, or ok=false for a
	// rejected token. An error means the provider could not decide.
	Authenticate(ctx context.Context, cfg *Config, token string) (user string, ok bool, err error)
}

// FlagProvider admits a non-empty token iff the endpoint requires
// authentication. It logs a warning, at most once per minute, on use.
type FlagProvider struct {
	logger *slog.Logger
	warn   rate.Sometimes
}

// NewFlagProvider creates the placeholder provider.
func NewFlagProvider(logger *slog.Logger) *FlagProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &FlagProvider{
		logger: logger,
		warn:   rate.Sometimes{First: 1, Interval: time.Minute},
	}
}

func (p *FlagProvider) Name() string { return "flag" }

func (p *FlagProvider) Authenticate(_ context.Context, cfg *Config, token string) (string, bool, error) {
	p.warn.Do(func() {
		p.logger.Warn("NTLM validation uses the placeholder flag provider; tokens are not verified",
			"domain", cfg.Domain)
	})
	return "", cfg.RequiresAuthentication() && token != "", nil
}

// Validator delegates NTLM tokens to a Provider.
type Validator struct {
	provider Provider
}

// New creates an NTLM validator. A nil provider selects the FlagProvider.
func New(p Provider) *Validator {
	if p == nil {
		p = NewFlagProvider(nil)
	}
	return &Validator{provider: p}
}

func (v *Validator) Validate(ctx context.Context, req auth.Request) (auth.Result, error) {
	var cfg Config
	if err := req.Endpoint.DecodeAuthConfig(&cfg); err != nil {
		return auth.Result{}, err
	}

	user, ok, err := v.provider.Authenticate(ctx, &cfg, req.Credential)
	if err != nil {
		return auth.Result{}, err
	}
	if !ok {
		return auth.Unauthorized("NTLM authentication required"), nil
	}

	md := map[string]any{
		"domain":        cfg.Domain,
		"ntlm_provider": v.provider.Name(),
	}
	if user != "" {
		md["username"] = user
	}
	return auth.Allow(md), nil
}
