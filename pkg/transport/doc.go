// Package transport defines the outer stages of the dynapi request pipeline
// and the contract to the execution engine.
//
// # Stages
//
// Stages are ordinary net/http middleware composed with [Chain]. This
// package provides the two outermost ones:
//
//   - [Logging] opens the per-request [reqctx.RequestContext], assigns the
//     request ID, echoes it in X-Request-ID, and logs the outcome.
//   - [Recovery] is the exception boundary. It converts panics into the
//     stable error body and installs the [Translator] used by every
//     [WriteError] call beneath it.
//
// # Errors
//
// [Translator] maps any error onto the fixed taxonomy of pkg/api. Only a
// translator built with Debug set adds the underlying cause and stack trace
// to the error details; production responses never carry them.
//
// # Execution
//
// The gateway does not bind parameters or call database routines itself.
// It hands admitted requests to an [Executor] and wraps the result in the
// [ExecutionResponse] envelope.
package transport
