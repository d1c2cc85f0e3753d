package shared

import "context"

type actorContextKey struct{}

// ContextWithActor stores the acting account ID in context. Zero means the
// action is system-performed (no actor).
func ContextWithActor(ctx context.Context, accountID int64) context.Context {
	return context.WithValue(ctx, actorContextKey{}, accountID)
}

// ActorFromContext extracts the acting account ID from context.
func ActorFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(actorContextKey{}).(int64)
	if !ok || id == 0 {
		return 0, false
	}
	return id, true
}
