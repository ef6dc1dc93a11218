// Package actor carries the verified identity of the caller and checks it
// against the identity an operation claims to act as.
package actor

import (
	"context"
	"fmt"

	"github.com/drfirst/go-medsafe/internal/domain"
)

type contextKey struct{}

// WithCaller returns a context carrying the verified caller identity.
func WithCaller(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, contextKey{}, identity)
}

// CallerFrom returns the verified caller identity, if any.
func CallerFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(contextKey{}).(string)
	return id, ok && id != ""
}

// Verifier confirms that the caller may act as identity.
type Verifier interface {
	RequireCaller(ctx context.Context, identity string) error
}

// ContextVerifier accepts exactly the identity placed in the context by
// authentication middleware.
type ContextVerifier struct{}

// RequireCaller fails with domain.ErrUnauthorized unless the context's
// caller is identity.
func (ContextVerifier) RequireCaller(ctx context.Context, identity string) error {
	caller, ok := CallerFrom(ctx)
	if !ok {
		return fmt.Errorf("no verified caller: %w", domain.ErrUnauthorized)
	}
	if caller != identity {
		return fmt.Errorf("caller %q cannot act as %q: %w", caller, identity, domain.ErrUnauthorized)
	}
	return nil
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, identity string) error

// RequireCaller calls f.
func (f VerifierFunc) RequireCaller(ctx context.Context, identity string) error {
	return f(ctx, identity)
}
