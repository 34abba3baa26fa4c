// Package catalog defines the endpoint and credential records the admission
// pipeline reads, and the store contracts that serve them.
//
// The records are owned by external administration; the gateway only reads
// them, with one exception: TouchUsage records that a credential was used.
package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Scheme names how a caller proves identity for an endpoint.
type Scheme string

const (
	SchemeNone   Scheme = "NONE"
	SchemeToken  Scheme = "TOKEN"
	SchemeAPIKey Scheme = "APIKEY"
	SchemeJWT    Scheme = "JWT"
	SchemeOAuth2 Scheme = "OAUTH2"
	SchemeNTLM   Scheme = "NTLM"
	SchemeBasic  Scheme = "BASIC"
)

// Schemes lists every built-in scheme.
var Schemes = []Scheme{
	SchemeNone, SchemeToken, SchemeAPIKey, SchemeJWT, SchemeOAuth2, SchemeNTLM, SchemeBasic,
}

// ParseScheme normalizes s and checks it against the built-in schemes.
func ParseScheme(s string) (Scheme, error) {
	sc := Scheme(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Schemes {
		if sc == known {
			return sc, nil
		}
	}
	return "", fmt.Errorf("unknown auth scheme %q", s)
}

// Endpoint describes one dynamically configured route.
type Endpoint struct {
	ID                 int64           `json:"id"`
	Name               string          `json:"name"`
	Description        string          `json:"description,omitempty"`
	Scheme             Scheme          `json:"scheme"`
	RateLimitPerMinute int             `json:"rateLimitPerMinute"`
	Timeout            time.Duration   `json:"-"`
	Active             bool            `json:"active"`
	Public             bool            `json:"public"`
	AuthConfig         json.RawMessage `json:"-"`
}

// DecodeAuthConfig unmarshals the scheme configuration blob into v.
// An empty blob leaves v untouched.
func (e *Endpoint) DecodeAuthConfig(v any) error {
	if len(e.AuthConfig) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.AuthConfig, v); err != nil {
		return fmt.Errorf("endpoint %d: decoding %s auth config: %w", e.ID, e.Scheme, err)
	}
	return nil
}

// Credential is a stored secret bound to one endpoint and scheme.
type Credential struct {
	ID         int64
	EndpointID int64
	Scheme     Scheme
	Name       string

	// SecretHash is the hex SHA-256 of the secret. Plaintext is never stored.
	SecretHash string

	CreatedAt  time.Time
	ExpiresAt  *time.Time
	LastUsedAt *time.Time
	UsageCount int64
	Active     bool
}

// Expired reports whether the credential's expiry is at or before now.
func (c *Credential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// Usable reports whether the credential may authenticate a request at now.
func (c *Credential) Usable(now time.Time) bool {
	return c.Active && !c.Expired(now)
}

// HashSecret returns the stored form of a credential secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// CredentialHealth summarizes one credential for the auth health report.
type CredentialHealth struct {
	ID         int64      `json:"id"`
	EndpointID int64      `json:"endpointId"`
	Name       string     `json:"name"`
	Scheme     Scheme     `json:"scheme"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	Expired    bool       `json:"expired"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

// EndpointStore serves endpoint descriptors.
type EndpointStore interface {
	// GetEndpoint returns storage.ErrNotFound for unknown ids.
	GetEndpoint(ctx context.Context, id int64) (*Endpoint, error)
	ListActiveEndpoints(ctx context.Context) ([]*Endpoint, error)
}

// CredentialStore serves credential records.
type CredentialStore interface {
	// FindCredential returns the active, non-expired credential of the given
	// scheme whose secret matches, bound to endpointID. It returns
	// storage.ErrNotFound when there is no such credential.
	FindCredential(ctx context.Context, scheme Scheme, secret string, endpointID int64) (*Credential, error)

	// TouchUsage increments the usage counter and sets the last-used time.
	TouchUsage(ctx context.Context, credentialID int64, at time.Time) error

	// ListCredentialHealth returns active credentials that are expired or
	// expire within the given window of now.
	ListCredentialHealth(ctx context.Context, now time.Time, within time.Duration) ([]CredentialHealth, error)
}
