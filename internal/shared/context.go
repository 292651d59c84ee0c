package shared

import "context"

type actorContextKey struct{}

// Actor identifies the tenant and user a request runs for. Values are supplied by the
// upstream auth collaborator and trusted as pre-validated.
type Actor struct {
	TenantID string
	UserID   string
}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	if !ok || actor.TenantID == "" {
		return Actor{}, false
	}
	return actor, true
}

// TenantFromContext returns the tenant id or an empty string.
func TenantFromContext(ctx context.Context) string {
	actor, _ := ActorFromContext(ctx)
	return actor.TenantID
}
