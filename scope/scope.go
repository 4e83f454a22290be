// Package scope provides helpers to capture and restore the tenant
// identity (org) a run belongs to from/to context.Context. The run's
// OrgID field persists the scope; these helpers bridge it back into
// the context handlers execute under.
package scope

import "context"

type ctxKey struct{}

// Capture extracts the org identifier from the context. Returns an
// empty string if no scope is present.
func Capture(ctx context.Context) string {
	org, _ := ctx.Value(ctxKey{}).(string)
	return org
}

// Restore attaches the org identifier to the context. An empty org
// returns the context unchanged.
func Restore(ctx context.Context, orgID string) context.Context {
	if orgID == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, orgID)
}
