// Package apikey provides the validators for the stored-secret schemes,
// TOKEN and APIKEY.
//
// Secrets are looked up through the credential store by their SHA-256 hash
// and compared in constant time. A miss never reveals whether the value
// exists for another endpoint.
package apikey

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/rhuss/dynapi/pkg/auth"
	"github.com/rhuss/dynapi/pkg/catalog"
	"github.com/rhuss/dynapi/pkg/storage"
)

const invalidMessage = "invalid or expired credential"

// Validator checks stored-secret credentials of one scheme.
type Validator struct {
	scheme catalog.Scheme
	store  catalog.CredentialStore
	now    func() time.Time
}

// Option configures a Validator.
type Option func(*Validator)

// WithClock sets the time source used for the expiry check.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// New creates a validator for scheme backed by store.
func New(scheme catalog.Scheme, store catalog.CredentialStore, opts ...Option) *Validator {
	v := &Validator{scheme: scheme, store: store, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// NewToken creates the TOKEN validator.
func NewToken(store catalog.CredentialStore, opts ...Option) *Validator {
	return New(catalog.SchemeToken, store, opts...)
}

// NewAPIKey creates the APIKEY validator.
func NewAPIKey(store catalog.CredentialStore, opts ...Option) *Validator {
	return New(catalog.SchemeAPIKey, store, opts...)
}

// Validate looks the secret up for the request's endpoint. The expiry is
// checked again here so that a stale store row cannot admit an expired
// credential.
func (v *Validator) Validate(ctx context.Context, req auth.Request) (auth.Result, error) {
	cred, err := v.store.FindCredential(ctx, v.scheme, req.Credential, req.Endpoint.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return auth.Unauthorized(invalidMessage), nil
	}
	if err != nil {
		return auth.Result{}, fmt.Errorf("finding %s credential: %w", v.scheme, err)
	}

	now := v.now()
	hash := catalog.HashSecret(req.Credential)
	if cred.Scheme != v.scheme ||
		cred.EndpointID != req.Endpoint.ID ||
		!cred.Usable(now) ||
		subtle.ConstantTimeCompare([]byte(hash), []byte(cred.SecretHash)) != 1 {
		return auth.Unauthorized(invalidMessage), nil
	}

	res := auth.Allow(map[string]any{
		"credential_name": cred.Name,
		"validated_at":    now,
	})
	id := cred.ID
	res.CredentialID = &id
	return res, nil
}
