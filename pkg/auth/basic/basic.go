// Package basic provides the BASIC validator. Users and their password
// hashes come from the endpoint's auth configuration; passwords are checked
// with a salted, constant-time PasswordVerifier (bcrypt by default).
package basic

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/rhuss/dynapi/pkg/auth"
)

// ErrMalformed is returned by Decode for payloads that are not
// base64("username:password").
var ErrMalformed = errors.New("malformed basic credentials")

// Config is the per-endpoint BASIC configuration.
type Config struct {
	Users []User `json:"users"`
}

// User is one configured account.
type User struct {
	Username     string   `json:"username"`
	PasswordHash string   `json:"passwordHash"`
	Roles        []string `json:"roles"`

	// IsActive defaults to true when omitted.
	IsActive *bool `json:"isActive"`
}

func (u *User) active() bool { return u.IsActive == nil || *u.IsActive }

// PasswordVerifier compares a password with its stored hash.
type PasswordVerifier interface {
	Verify(hash, password string) bool
}

// BcryptVerifier verifies bcrypt hashes.
type BcryptVerifier struct{}

// Verify reports whether password matches the bcrypt hash.
func (BcryptVerifier) Verify(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// dummyHash is compared against for unknown users so that a miss costs the
// same as a wrong password.
var dummyHash = func() string {
	h, err := bcrypt.GenerateFromPassword([]byte("dynapi-timing-equalizer"), bcrypt.DefaultCost)
	if err != nil {
		panic(err)
	}
	return string(h)
}()

// Validator checks HTTP Basic credentials.
type Validator struct {
	verifier PasswordVerifier
	now      func() time.Time
}

// Option configures a Validator.
type Option func(*Validator)

// WithVerifier replaces the bcrypt verifier.
func WithVerifier(pv PasswordVerifier) Option {
	return func(v *Validator) { v.verifier = pv }
}

// WithClock sets the time source for validated_at.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// New creates a BASIC validator.
func New(opts ...Option) *Validator {
	v := &Validator{verifier: BcryptVerifier{}, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate decodes the credential and checks it against the endpoint's
// active users.
func (v *Validator) Validate(_ context.Context, req auth.Request) (auth.Result, error) {
	var cfg Config
	if err := req.Endpoint.DecodeAuthConfig(&cfg); err != nil {
		return auth.Result{}, err
	}

	username, password, err := Decode(req.Credential)
	if err != nil {
		return auth.Unauthorized("malformed Basic credentials"), nil
	}

	var user *User
	for i := range cfg.Users {
		if cfg.Users[i].Username == username && cfg.Users[i].active() {
			user = &cfg.Users[i]
			break
		}
	}

	if user == nil {
		v.verifier.Verify(dummyHash, password)
		return auth.Unauthorized("invalid username or password"), nil
	}
	if !v.verifier.Verify(user.PasswordHash, password) {
		return auth.Unauthorized("invalid username or password"), nil
	}

	roles := user.Roles
	if roles == nil {
		roles = []string{}
	}
	return auth.Allow(map[string]any{
		"username":     user.Username,
		"roles":        roles,
		"validated_at": v.now().UTC(),
	}), nil
}

// Decode parses a Basic payload, with or without the "Basic " prefix in any
// casing. Padded and unpadded base64 are both accepted. The password is
// everything after the first colon.
func Decode(credential string) (username, password string, err error) {
	s := strings.TrimSpace(credential)
	if len(s) > 6 && strings.EqualFold(s[:6], "basic ") {
		s = strings.TrimSpace(s[6:])
	}
	if s == "" {
		return "", "", ErrMalformed
	}

	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(s)
		if err != nil {
			return "", "", ErrMalformed
		}
	}

	username, password, ok := strings.Cut(string(raw), ":")
	if !ok || username == "" {
		return "", "", ErrMalformed
	}
	return username, password, nil
}
