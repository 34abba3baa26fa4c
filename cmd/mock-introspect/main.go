// Command mock-introspect runs a deterministic RFC 7662 token
// introspection server for local development of OAUTH2 endpoints. The
// answer depends on the token prefix:
//
//	valid-*    active, with MOCK_SCOPES
//	expired-*  active, but exp lies in the past
//	slow-*     answered after MOCK_SLOW_DELAY
//	error-*    HTTP 500
//	anything   inactive
//
// Configuration:
//
//	MOCK_PORT          - Listen port (default: 9091)
//	MOCK_SCOPES        - Scopes granted to valid tokens (default: "read write")
//	MOCK_CLIENT_ID     - Required client id; empty accepts any client
//	MOCK_CLIENT_SECRET - Required client secret
//	MOCK_SLOW_DELAY    - Delay for slow-* tokens (default: 15s)
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

type introspector struct {
	scopes       string
	clientID     string
	clientSecret string
	slowDelay    time.Duration
}

func main() {
	port := envOrDefault("MOCK_PORT", "9091")

	slowDelay, err := time.ParseDuration(envOrDefault("MOCK_SLOW_DELAY", "15s"))
	if err != nil {
		slog.Error("invalid MOCK_SLOW_DELAY", "error", err)
		os.Exit(1)
	}
	in := &introspector{
		scopes:       envOrDefault("MOCK_SCOPES", "read write"),
		clientID:     os.Getenv("MOCK_CLIENT_ID"),
		clientSecret: os.Getenv("MOCK_CLIENT_SECRET"),
		slowDelay:    slowDelay,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /introspect", in.handleIntrospect)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})

	srv := &http.Server{Addr: ":" + port, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("mock introspection server starting", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("mock introspection server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("mock introspection server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}

type introspectionResponse struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Username  string `json:"username,omitempty"`
	Subject   string `json:"sub,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
}

func (in *introspector) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	clientID, secret, ok := r.BasicAuth()
	if in.clientID != "" && (!ok || clientID != in.clientID || secret != in.clientSecret) {
		w.Header().Set("WWW-Authenticate", `Basic realm="introspect"`)
		http.Error(w, `{"error":"invalid_client"}`, http.StatusUnauthorized)
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, `{"error":"invalid_request"}`, http.StatusBadRequest)
		return
	}
	token := r.PostForm.Get("token")
	if token == "" {
		http.Error(w, `{"error":"invalid_request"}`, http.StatusBadRequest)
		return
	}

	slog.Info("introspection request", "client_id", clientID, "token_prefix", prefix(token))

	now := time.Now()
	resp := introspectionResponse{}
	switch {
	case strings.HasPrefix(token, "error-"):
		http.Error(w, `{"error":"server_error"}`, http.StatusInternalServerError)
		return
	case strings.HasPrefix(token, "slow-"):
		select {
		case <-time.After(in.slowDelay):
		case <-r.Context().Done():
			return
		}
		resp = in.active(clientID, now, now.Add(time.Hour))
	case strings.HasPrefix(token, "valid-"):
		resp = in.active(clientID, now, now.Add(time.Hour))
	case strings.HasPrefix(token, "expired-"):
		resp = in.active(clientID, now.Add(-2*time.Hour), now.Add(-time.Hour))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (in *introspector) active(clientID string, issued, expires time.Time) introspectionResponse {
	return introspectionResponse{
		Active:    true,
		Scope:     in.scopes,
		ClientID:  clientID,
		Username:  "mock-user",
		Subject:   "mock-user",
		TokenType: "Bearer",
		ExpiresAt: expires.Unix(),
		IssuedAt:  issued.Unix(),
	}
}

// prefix returns the part of token before its first dash, never the
// token itself.
func prefix(token string) string {
	if i := strings.IndexByte(token, '-'); i > 0 {
		return token[:i]
	}
	return "none"
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
