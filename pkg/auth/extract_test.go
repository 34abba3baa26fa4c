package auth

import (
	"bytes"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rhuss/dynapi/pkg/catalog"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name       string
		scheme     catalog.Scheme
		target     string
		headers    map[string]string
		want       string
		wantSource Source
	}{
		{"token bearer", catalog.SchemeToken, "/", map[string]string{"Authorization": "Bearer tk-1"}, "tk-1", SourceAuthorization},
		{"token custom header", catalog.SchemeToken, "/", map[string]string{"X-API-Token": "tk-2"}, "tk-2", SourceHeader},
		{"token header beats query", catalog.SchemeToken, "/?token=q", map[string]string{"X-API-Token": "h"}, "h", SourceHeader},
		{"token query", catalog.SchemeToken, "/?token=q", nil, "q", SourceQuery},
		{"apikey prefix any case", catalog.SchemeAPIKey, "/", map[string]string{"Authorization": "aPiKeY   sk-1  "}, "sk-1", SourceAuthorization},
		{"apikey ignores bearer", catalog.SchemeAPIKey, "/", map[string]string{"Authorization": "Bearer sk-1"}, "", SourceNone},
		{"apikey custom header", catalog.SchemeAPIKey, "/", map[string]string{"X-API-Key": "sk-2"}, "sk-2", SourceHeader},
		{"apikey query order", catalog.SchemeAPIKey, "/?key=k&apikey=a", nil, "a", SourceQuery},
		{"jwt bearer", catalog.SchemeJWT, "/", map[string]string{"Authorization": "bearer eyJ"}, "eyJ", SourceAuthorization},
		{"jwt custom header", catalog.SchemeJWT, "/", map[string]string{"X-JWT-Token": "eyJ2"}, "eyJ2", SourceHeader},
		{"oauth2 bearer", catalog.SchemeOAuth2, "/", map[string]string{"Authorization": "Bearer at"}, "at", SourceAuthorization},
		{"oauth2 ignores token header", catalog.SchemeOAuth2, "/", map[string]string{"X-API-Token": "at"}, "", SourceNone},
		{"ntlm", catalog.SchemeNTLM, "/", map[string]string{"Authorization": "NTLM TlRMTVNTUAAB"}, "TlRMTVNTUAAB", SourceAuthorization},
		{"negotiate", catalog.SchemeNTLM, "/", map[string]string{"Authorization": "Negotiate YII"}, "YII", SourceAuthorization},
		{"ntlm never from query", catalog.SchemeNTLM, "/?token=x", nil, "", SourceNone},
		{"basic", catalog.SchemeBasic, "/", map[string]string{"Authorization": "BASIC dXNlcjpwYXNz"}, "dXNlcjpwYXNz", SourceAuthorization},
		{"basic never from query", catalog.SchemeBasic, "/?auth=dXNlcjpwYXNz", nil, "", SourceNone},
		{"prefix without separator", catalog.SchemeToken, "/", map[string]string{"Authorization": "Bearertk"}, "", SourceNone},
		{"empty value", catalog.SchemeToken, "/", map[string]string{"Authorization": "Bearer   "}, "", SourceNone},
		{"none scheme", catalog.SchemeNone, "/?token=x", nil, "", SourceNone},
	}

	x := NewExtractor(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.target, nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			got, src := x.Extract(tt.scheme, r)
			if got != tt.want || src != tt.wantSource {
				t.Errorf("Extract = (%q, %q), want (%q, %q)", got, src, tt.want, tt.wantSource)
			}
		})
	}
}

func TestExtractQueryWarningThrottled(t *testing.T) {
	var buf bytes.Buffer
	x := NewExtractor(slog.New(slog.NewTextHandler(&buf, nil)))

	for i := 0; i < 10; i++ {
		x.Extract(catalog.SchemeAPIKey, httptest.NewRequest("GET", "/?apikey=sk", nil))
	}

	if n := strings.Count(buf.String(), "credential passed in query string"); n != 1 {
		t.Errorf("warnings = %d, want 1:\n%s", n, buf.String())
	}
}

func TestHint(t *testing.T) {
	for _, s := range []catalog.Scheme{catalog.SchemeToken, catalog.SchemeAPIKey, catalog.SchemeJWT, catalog.SchemeOAuth2, catalog.SchemeNTLM, catalog.SchemeBasic} {
		if Hint(s) == "" {
			t.Errorf("Hint(%s) is empty", s)
		}
	}
	if !strings.Contains(Hint(catalog.SchemeAPIKey), "X-API-Key") {
		t.Errorf("APIKEY hint = %q", Hint(catalog.SchemeAPIKey))
	}
}
