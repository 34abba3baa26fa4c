// Package admission assembles the request admission pipeline of the
// gateway: request context, exception boundary, metrics, audit,
// authentication and rate limiting, in that order, in front of an
// [transport.Executor].
//
// The pipeline is built once from [Deps] and is safe for concurrent use.
package admission
