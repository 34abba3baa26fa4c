// Package jwt provides the JWT validator. Tokens are verified locally with
// the endpoint's shared HMAC secret (HS256, HS384 or HS512).
//
// Issuer, audience and lifetime checks are each toggled by the endpoint's
// auth configuration; all three default to on, with a clock skew tolerance
// of 300 seconds.
package jwt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/rhuss/dynapi/pkg/auth"
)

// MinSecretLength is the shortest accepted HMAC secret, in bytes.
const MinSecretLength = 32

// ErrWeakSecret is returned when an endpoint's secret is shorter than
// MinSecretLength.
var ErrWeakSecret = errors.New("jwt secret shorter than 32 bytes")

// Config is the per-endpoint JWT configuration, decoded from the endpoint's
// auth config blob.
type Config struct {
	// SecretKey is the shared HMAC secret.
	SecretKey string `json:"secretKey"`

	// Issuer is the expected iss claim.
	Issuer string `json:"issuer"`

	// Audience is the expected aud claim.
	Audience string `json:"audience"`

	// ValidateIssuer enables the issuer check. Default: true.
	ValidateIssuer *bool `json:"validateIssuer"`

	// ValidateAudience enables the audience check. Default: true.
	ValidateAudience *bool `json:"validateAudience"`

	// ValidateLifetime enables the exp/nbf checks and requires exp.
	// Default: true.
	ValidateLifetime *bool `json:"validateLifetime"`

	// ClockSkewSeconds is the leeway applied to time-based claims.
	// Default: 300.
	ClockSkewSeconds *int `json:"clockSkewSeconds"`
}

func (c *Config) validateIssuer() bool   { return c.ValidateIssuer == nil || *c.ValidateIssuer }
func (c *Config) validateAudience() bool { return c.ValidateAudience == nil || *c.ValidateAudience }
func (c *Config) validateLifetime() bool { return c.ValidateLifetime == nil || *c.ValidateLifetime }

func (c *Config) clockSkew() time.Duration {
	if c.ClockSkewSeconds == nil {
		return 300 * time.Second
	}
	return time.Duration(*c.ClockSkewSeconds) * time.Second
}

var validMethods = []string{"HS256", "HS384", "HS512"}

// Validator verifies JWT bearer tokens.
type Validator struct {
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithClock sets the time source for lifetime checks.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// WithLogger sets the validator logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Validator) { v.logger = l }
}

// New creates a JWT validator.
func New(opts ...Option) *Validator {
	v := &Validator{now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate verifies the token's signature and claims. Invalid tokens yield
// an UNAUTHORIZED result carrying the library's reason. A missing or weak
// secret is a configuration fault and returns an error.
func (v *Validator) Validate(_ context.Context, req auth.Request) (auth.Result, error) {
	var cfg Config
	if err := req.Endpoint.DecodeAuthConfig(&cfg); err != nil {
		return auth.Result{}, err
	}
	if len(cfg.SecretKey) < MinSecretLength {
		return auth.Result{}, fmt.Errorf("endpoint %d: %w", req.Endpoint.ID, ErrWeakSecret)
	}

	token, err := jwtlib.Parse(req.Credential, func(token *jwtlib.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(cfg.SecretKey), nil
	}, v.parserOptions(&cfg)...)
	if err != nil {
		v.logger.Debug("JWT validation failed", "endpoint_id", req.Endpoint.ID, "error", err)
		return auth.Unauthorized("invalid JWT: " + err.Error()), nil
	}

	claims, ok := token.Claims.(jwtlib.MapClaims)
	if !ok || !token.Valid {
		return auth.Unauthorized("invalid JWT claims"), nil
	}

	// Without lifetime validation the library skips every claim check, so
	// issuer and audience are checked here.
	if !cfg.validateLifetime() {
		if msg := checkIdentityClaims(&cfg, claims); msg != "" {
			return auth.Unauthorized("invalid JWT: " + msg), nil
		}
	}

	md := map[string]any{
		"claims":       map[string]any(claims),
		"validated_at": v.now().UTC(),
	}
	if iss, _ := claims.GetIssuer(); iss != "" {
		md["issuer"] = iss
	}
	if sub, _ := claims.GetSubject(); sub != "" {
		md["subject"] = sub
	}
	if exp, _ := claims.GetExpirationTime(); exp != nil {
		md["expires_at"] = exp.Time.UTC()
	}
	return auth.Allow(md), nil
}

// parserOptions builds JWT parser options based on the configuration.
func (v *Validator) parserOptions(cfg *Config) []jwtlib.ParserOption {
	opts := []jwtlib.ParserOption{
		jwtlib.WithValidMethods(validMethods),
		jwtlib.WithTimeFunc(v.now),
	}

	if !cfg.validateLifetime() {
		return append(opts, jwtlib.WithoutClaimsValidation())
	}

	opts = append(opts, jwtlib.WithExpirationRequired(), jwtlib.WithLeeway(cfg.clockSkew()))

	if cfg.validateIssuer() && cfg.Issuer != "" {
		opts = append(opts, jwtlib.WithIssuer(cfg.Issuer))
	}

	if cfg.validateAudience() && cfg.Audience != "" {
		opts = append(opts, jwtlib.WithAudience(cfg.Audience))
	}

	return opts
}

// checkIdentityClaims applies the issuer and audience checks by hand.
// Returns the failure reason, or "" when the claims pass.
func checkIdentityClaims(cfg *Config, claims jwtlib.MapClaims) string {
	if cfg.validateIssuer() && cfg.Issuer != "" {
		if iss, _ := claims.GetIssuer(); iss != cfg.Issuer {
			return "token has invalid issuer"
		}
	}
	if cfg.validateAudience() && cfg.Audience != "" {
		aud, _ := claims.GetAudience()
		if !slices.Contains([]string(aud), cfg.Audience) {
			return "token has invalid audience"
		}
	}
	return ""
}
