package auth

import "context"

// resultKey is a private type for the validation result context key.
type resultKey struct{}

// WithResult stores the validation result in the context.
func WithResult(ctx context.Context, res *Result) context.Context {
	return context.WithValue(ctx, resultKey{}, res)
}

// ResultFromContext retrieves the validation result of an admitted request.
// Returns nil on bypassed paths.
func ResultFromContext(ctx context.Context) *Result {
	if v, ok := ctx.Value(resultKey{}).(*Result); ok {
		return v
	}
	return nil
}
