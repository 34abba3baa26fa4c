// Package ratelimit enforces the two admission rate limits.
//
// The coarse layer is a fixed one-minute window per scheme partition
// (public, basic, token, advanced, default) held in a [CounterStore]. It
// protects the process before any per-credential query runs.
//
// The fine layer counts admitted executions of one credential against one
// endpoint in the trailing window and compares them with the endpoint's
// per-minute limit. The audit log is written asynchronously, so the fine
// layer also counts the admissions it granted itself. Within one process the
// limit holds exactly; across replicas it holds once the audit log catches up.
//
// A rejection at either layer increments nothing.
package ratelimit
