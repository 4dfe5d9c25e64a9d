// Package orgcontext carries the authenticated organization through request
// contexts. The org identity placed here is always the one resolved from the
// caller's credential, never a value taken from request input.
package orgcontext

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
)

type orgIDKey struct{}
type orgSlugKey struct{}

// WithOrg stores the resolved organization identity in the context.
func WithOrg(ctx context.Context, orgID snowflake.ID, slug string) context.Context {
	ctx = context.WithValue(ctx, orgIDKey{}, orgID)
	return context.WithValue(ctx, orgSlugKey{}, strings.TrimSpace(slug))
}

// OrgIDFromContext returns the org ID from context, if set.
func OrgIDFromContext(ctx context.Context) (snowflake.ID, bool) {
	if ctx == nil {
		return 0, false
	}
	switch typed := ctx.Value(orgIDKey{}).(type) {
	case snowflake.ID:
		return typed, true
	case int64:
		return snowflake.ID(typed), true
	}
	return 0, false
}

// OrgSlugFromContext returns the org slug from context, if set.
func OrgSlugFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	slug, ok := ctx.Value(orgSlugKey{}).(string)
	if !ok || slug == "" {
		return "", false
	}
	return slug, true
}
