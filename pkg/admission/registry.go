package admission

import (
	"log/slog"
	"time"

	"github.com/rhuss/dynapi/pkg/auth"
	"github.com/rhuss/dynapi/pkg/auth/apikey"
	"github.com/rhuss/dynapi/pkg/auth/basic"
	"github.com/rhuss/dynapi/pkg/auth/jwt"
	"github.com/rhuss/dynapi/pkg/auth/ntlm"
	"github.com/rhuss/dynapi/pkg/auth/oauth2"
	"github.com/rhuss/dynapi/pkg/catalog"
)

// OAuth2Options configures the token introspection client.
type OAuth2Options struct {
	Timeout time.Duration
	Breaker oauth2.BreakerConfig
}

// NewRegistry returns a registry with a validator for every scheme that
// needs one. NONE is handled by the engine itself.
func NewRegistry(credentials catalog.CredentialStore, o OAuth2Options, logger *slog.Logger, now func() time.Time) *auth.Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}

	oauthOpts := []oauth2.Option{oauth2.WithLogger(logger), oauth2.WithClock(now)}
	if o.Timeout > 0 {
		oauthOpts = append(oauthOpts, oauth2.WithTimeout(o.Timeout))
	}
	if o.Breaker.MaxFailures > 0 {
		oauthOpts = append(oauthOpts, oauth2.WithBreaker(o.Breaker))
	}

	reg := auth.NewRegistry()
	must(reg.Register(catalog.SchemeToken, apikey.NewToken(credentials, apikey.WithClock(now))))
	must(reg.Register(catalog.SchemeAPIKey, apikey.NewAPIKey(credentials, apikey.WithClock(now))))
	must(reg.Register(catalog.SchemeJWT, jwt.New(jwt.WithClock(now), jwt.WithLogger(logger))))
	must(reg.Register(catalog.SchemeOAuth2, oauth2.New(oauthOpts...)))
	must(reg.Register(catalog.SchemeBasic, basic.New(basic.WithClock(now))))
	must(reg.Register(catalog.SchemeNTLM, ntlm.New(ntlm.NewFlagProvider(logger))))
	return reg
}

// must panics on registration errors, which only happen on duplicate
// schemes in this file.
func must(err error) {
	if err != nil {
		panic(err)
	}
}
