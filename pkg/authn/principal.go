// Package authn verifies caller identity tokens and exposes the caller as an
// explicit context principal. Token issuance lives in the identity service.
package authn

import "context"

type Principal struct {
	UserID string
	Admin  bool
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}
