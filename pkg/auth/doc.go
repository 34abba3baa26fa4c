// Package auth resolves and validates the credential a request presents for
// its target endpoint.
//
// The [Engine] looks the endpoint up, applies the public/NONE rule, extracts
// the credential with the [Extractor] and dispatches it through a [Registry]
// to the scheme's [Validator]. Validators live in subpackages, one per
// scheme. A wrong credential is a normal invalid [Result]; an error returned
// by a validator is an infrastructure fault, which the engine turns into a
// fail-closed denial.
//
// Every attempt that reaches a known endpoint is submitted to the audit sink
// as an auth_attempt entry and counted in dynapi_auth_attempts_total.
//
// The [Middleware] stage runs the engine for each request, populates the
// request context, and makes the [Result] available to later stages via
// [ResultFromContext].
package auth
