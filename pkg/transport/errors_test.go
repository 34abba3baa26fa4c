package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rhuss/dynapi/pkg/api"
	"github.com/rhuss/dynapi/pkg/reqctx"
	"github.com/rhuss/dynapi/pkg/storage"
)

func TestTranslate(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   api.ErrorCode
	}{
		{"invalid request", api.NewInvalidRequestError("idApi is required"), http.StatusBadRequest, api.ErrorCodeInvalidRequest},
		{"wrapped api error", fmt.Errorf("auth: %w", api.NewUnauthorizedError("bad")), http.StatusUnauthorized, api.ErrorCodeUnauthorized},
		{"rate limit", api.NewTooManyRequestsError("slow"), http.StatusTooManyRequests, api.ErrorCodeRateLimitExceeded},
		{"deadline", fmt.Errorf("calling routine: %w", context.DeadlineExceeded), http.StatusRequestTimeout, api.ErrorCodeTimeout},
		{"not found", fmt.Errorf("endpoint 9: %w", storage.ErrNotFound), http.StatusNotFound, api.ErrorCodeAPINotFound},
		{"anything else", errors.New("pq: connection reset"), http.StatusInternalServerError, api.ErrorCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code, _, _ := Translate(tt.err)
			if status != tt.wantStatus {
				t.Errorf("status = %d, want %d", status, tt.wantStatus)
			}
			if code != tt.wantCode {
				t.Errorf("code = %q, want %q", code, tt.wantCode)
			}
		})
	}
}

func TestTranslateHidesCauseInProduction(t *testing.T) {
	_, _, msg, details := Translate(errors.New("password=hunter2"))
	if strings.Contains(msg, "hunter2") {
		t.Errorf("message leaks cause: %q", msg)
	}
	if details != nil {
		t.Errorf("details = %v, want none", details)
	}
}

func TestTranslateDebugAddsCauseAndStack(t *testing.T) {
	tr := Translator{Debug: true}

	_, _, _, details := tr.Translate(errors.New("db down"))
	if details["cause"] != "db down" {
		t.Errorf("cause = %v", details["cause"])
	}
	if _, ok := details["stack"]; ok {
		t.Error("plain errors should not carry a stack")
	}

	_, _, _, details = tr.Translate(&PanicError{Value: "boom", Stack: []byte("goroutine 1")})
	if details["stack"] != "goroutine 1" {
		t.Errorf("stack = %v", details["stack"])
	}
}

func TestWriteError(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/execute?idApi=999", nil)
	rc := reqctx.New(req, time.Now())
	req = req.WithContext(reqctx.With(req.Context(), rc))

	rec := httptest.NewRecorder()
	WriteError(rec, req, api.NewNotFoundError("API 999 not found"))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var body api.ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error != api.ErrorCodeAPINotFound {
		t.Errorf("error = %q", body.Error)
	}
	if body.StatusCode != http.StatusNotFound {
		t.Errorf("statusCode = %d", body.StatusCode)
	}
	if body.RequestID != rc.RequestID {
		t.Errorf("requestId = %q, want %q", body.RequestID, rc.RequestID)
	}
	if body.Timestamp.IsZero() {
		t.Error("timestamp missing")
	}
}

func TestWriteErrorUsesInstalledTranslator(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithTranslator(req.Context(), Translator{Debug: true}))

	rec := httptest.NewRecorder()
	WriteError(rec, req, errors.New("db down"))

	var body api.ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Details["cause"] != "db down" {
		t.Errorf("details = %v", body.Details)
	}
}

func TestWriteErrorLogsToInstalledLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	h := Recovery(Translator{}, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, errors.New("db down"))
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	out := buf.String()
	if !strings.Contains(out, "request failed") || !strings.Contains(out, "db down") {
		t.Errorf("log output = %q, want the failure", out)
	}
}

func TestWriteErrorSkipsLoggingClientErrors(t *testing.T) {
	var buf bytes.Buffer
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithLogger(req.Context(), slog.New(slog.NewTextHandler(&buf, nil))))

	WriteError(httptest.NewRecorder(), req, api.NewNotFoundError("API 9 not found"))

	if buf.Len() != 0 {
		t.Errorf("log output = %q, want none", buf.String())
	}
}
