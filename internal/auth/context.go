package auth

import "context"

type sessionContextKey struct{}

// ContextWithSession attaches the validated session context to the request
// context. The tenant id travels only this way after resolution.
func ContextWithSession(ctx context.Context, sc SessionContext) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, &sc)
}

// SessionFromContext extracts the session context if one was attached.
func SessionFromContext(ctx context.Context) (SessionContext, bool) {
	if ctx == nil {
		return SessionContext{}, false
	}
	v, ok := ctx.Value(sessionContextKey{}).(*SessionContext)
	if !ok || v == nil {
		return SessionContext{}, false
	}
	return *v, true
}
