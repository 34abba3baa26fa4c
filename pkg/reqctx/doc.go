// Package reqctx holds the per-request record threaded through every
// admission stage.
//
// A RequestContext is created once by the logging stage, mutated by the
// authentication and rate limit stages, read by audit and metrics, and
// discarded with the response. It is owned by a single request and is not
// safe for concurrent mutation.
package reqctx
