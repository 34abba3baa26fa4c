package transport

import (
	"context"

	"github.com/rhuss/dynapi/pkg/catalog"
)

// Call is an admitted request handed to the execution engine.
type Call struct {
	Endpoint     *catalog.Endpoint
	Environment  string
	Parameters   map[string]string
	Scheme       catalog.Scheme
	CredentialID *int64

	// Metadata carries the claims resolved during authentication.
	Metadata map[string]any
}

// Executor runs an admitted call. ctx carries the endpoint timeout; an
// executor must return when it is done.
type Executor interface {
	Execute(ctx context.Context, call *Call) (any, error)
}

// ExecutorFunc is an adapter that allows using an ordinary function
// as an Executor.
type ExecutorFunc func(ctx context.Context, call *Call) (any, error)

// Execute calls f(ctx, call).
func (f ExecutorFunc) Execute(ctx context.Context, call *Call) (any, error) {
	return f(ctx, call)
}

// ExecutionResponse is the body of a successful execution.
type ExecutionResponse struct {
	Success         bool   `json:"success"`
	Data            any    `json:"data"`
	Message         string `json:"message,omitempty"`
	ExecutionTimeMs int64  `json:"executionTimeMs"`
	RequestID       string `json:"requestId"`
}
