package types

import (
	"context"
	"strings"
)

// ActorType identifies who is calling.
type ActorType string

const (
	ActorTypeAPIKey ActorType = "api_key"
	ActorTypeCron   ActorType = "cron"
)

// Actor is the authenticated caller attached to a request context.
type Actor struct {
	ID             string
	Type           ActorType
	OrganizationID string
	IsTestMode     bool
	Name           string // API key label, or the scheduler name for cron callers
}

// HasOrganization reports whether the actor is scoped to an organization.
// Cron callers are not.
func (a Actor) HasOrganization() bool {
	return a.OrganizationID != ""
}

type ctxKey int

const (
	ctxKeyActor ctxKey = iota
	ctxKeyRequestID
)

// WithActor returns a copy of ctx carrying actor.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, ctxKeyActor, actor)
}

// GetActor returns the actor set by the auth middleware, if any.
func GetActor(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(ctxKeyActor).(Actor)
	return actor, ok
}

// GetOrgID returns the organization every billing route is scoped to.
func GetOrgID(ctx context.Context) (string, bool) {
	actor, ok := GetActor(ctx)
	if !ok || !actor.HasOrganization() {
		return "", false
	}
	return actor.OrganizationID, true
}

// WithRequestID returns a copy of ctx carrying the request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

// GetRequestID returns the request ID or "" outside a request.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// IsTestKey reports whether an API key was issued in test mode.
func IsTestKey(key string) bool {
	return strings.HasPrefix(key, "sk_test_")
}
