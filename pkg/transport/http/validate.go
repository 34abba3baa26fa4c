package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rhuss/dynapi/pkg/api"
	"github.com/rhuss/dynapi/pkg/auth"
	"github.com/rhuss/dynapi/pkg/catalog"
	"github.com/rhuss/dynapi/pkg/reqctx"
	"github.com/rhuss/dynapi/pkg/transport"
)

// maxValidateBody bounds the optional JSON body of the validate route.
const maxValidateBody = 4 << 10

type validateRequest struct {
	IDAPI int64 `json:"idApi"`
}

type validateResponse struct {
	Success      bool           `json:"success"`
	EndpointID   int64          `json:"endpointId"`
	Scheme       catalog.Scheme `json:"scheme,omitempty"`
	CredentialID *int64         `json:"credentialId,omitempty"`
	Error        api.ErrorCode  `json:"error,omitempty"`
	Message      string         `json:"message,omitempty"`
	Hint         string         `json:"hint,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	RequestID    string         `json:"requestId"`
}

// handleValidate checks the presented credential against an endpoint
// without executing it or spending rate limit budget. The endpoint comes
// from the idApi query parameter, or from {"idApi": n} in the body. Denials
// are answered with 200 and success false; only faults are errors.
func (rt *Routes) handleValidate(w http.ResponseWriter, r *http.Request) {
	endpointID, apiErr := validateTarget(r)
	if apiErr != nil {
		transport.WriteError(w, r, apiErr)
		return
	}

	res := rt.Pipeline.Engine().Authenticate(r.Context(), endpointID, r)
	if !res.Valid && res.Code == api.ErrorCodeInternal {
		transport.WriteError(w, r, res.APIError())
		return
	}

	out := validateResponse{
		Success:      res.Valid,
		EndpointID:   endpointID,
		Scheme:       res.Scheme,
		CredentialID: res.CredentialID,
		Metadata:     res.Metadata,
		RequestID:    reqctx.RequestIDFromContext(r.Context()),
	}
	if !res.Valid {
		out.Error = res.Code
		out.Message = res.Message
		out.Hint = res.Hint
		out.Metadata = nil
	}
	transport.WriteJSON(w, http.StatusOK, out)
}

func validateTarget(r *http.Request) (int64, *api.APIError) {
	if r.URL.Query().Has("idApi") {
		return auth.ParseEndpointID(r)
	}
	var req validateRequest
	err := json.NewDecoder(io.LimitReader(r.Body, maxValidateBody)).Decode(&req)
	switch {
	case errors.Is(err, io.EOF):
		return 0, api.NewInvalidRequestError("idApi parameter is required")
	case err != nil:
		return 0, api.NewInvalidRequestError("request body must be JSON")
	case req.IDAPI <= 0:
		return 0, api.NewInvalidRequestError("idApi must be a positive integer")
	}
	return req.IDAPI, nil
}
