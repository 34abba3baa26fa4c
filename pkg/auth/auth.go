package auth

import (
	"context"
	"errors"
	"time"

	"github.com/rhuss/dynapi/pkg/api"
	"github.com/rhuss/dynapi/pkg/catalog"
)

// Result is the outcome of one authentication attempt.
type Result struct {
	Valid        bool
	EndpointID   int64
	CredentialID *int64
	Scheme       catalog.Scheme

	// Rate-limit fields are filled in by the rate limit stage.
	RateLimitExceeded bool
	Remaining         int
	ResetAt           time.Time

	// Code and Message describe a denial. Hint carries the expected header
	// format for CREDENTIAL_REQUIRED.
	Code    api.ErrorCode
	Message string
	Hint    string

	// Metadata carries scheme-specific claims (claims, scopes, username,
	// validated_at, ...).
	Metadata map[string]any

	// Endpoint is the descriptor the attempt was resolved against.
	Endpoint *catalog.Endpoint
}

// Allow returns a valid result carrying md.
func Allow(md map[string]any) Result {
	if md == nil {
		md = make(map[string]any)
	}
	return Result{Valid: true, Metadata: md}
}

// Deny returns an invalid result.
func Deny(code api.ErrorCode, message string) Result {
	return Result{Code: code, Message: message}
}

// Unauthorized returns an UNAUTHORIZED denial.
func Unauthorized(message string) Result {
	return Deny(api.ErrorCodeUnauthorized, message)
}

// APIError converts a denial into the client-visible error.
func (r *Result) APIError() *api.APIError {
	if r.Valid {
		return nil
	}
	err := &api.APIError{Code: r.Code, Message: r.Message}
	if err.Code == "" {
		err.Code = api.ErrorCodeUnauthorized
	}
	if r.Hint != "" {
		err = err.WithDetail("authHeaderExample", r.Hint)
	}
	return err
}

// Request is the input to a Validator.
type Request struct {
	Endpoint   *catalog.Endpoint
	Credential string
}

// Validator checks a credential for one scheme.
//
// A credential that is simply wrong yields an invalid Result and a nil
// error. An error means the validator could not decide, for example because
// a store was unreachable.
type Validator interface {
	Validate(ctx context.Context, req Request) (Result, error)
}

// ValidatorFunc is an adapter that allows using an ordinary function
// as a Validator.
type ValidatorFunc func(ctx context.Context, req Request) (Result, error)

// Validate calls f(ctx, req).
func (f ValidatorFunc) Validate(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// Sentinel errors.
var (
	ErrDuplicateScheme = errors.New("validator already registered for scheme")
	ErrUnknownScheme   = errors.New("no validator registered for scheme")
)
