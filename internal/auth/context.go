package auth

import (
	"context"

	"github.com/haasonsaas/heyfun/internal/observability"
)

type principalContextKey struct{}

// WithPrincipal attaches p to ctx and tags log records with its organization.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	if p == nil {
		return ctx
	}
	ctx = observability.WithOrganizationID(ctx, p.OrganizationID)
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext retrieves the caller.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(*Principal)
	return p, ok
}

// OrganizationID returns the caller's organization, or "".
func OrganizationID(ctx context.Context) string {
	if p, ok := PrincipalFromContext(ctx); ok {
		return p.OrganizationID
	}
	return ""
}
