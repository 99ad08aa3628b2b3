package pelagogql

import "context"

type rootKeyType struct{}

var rootKey rootKeyType

// WithRoot attaches the event-derived root value to the context so that
// subscription resolvers can read it during re-execution.
func WithRoot(ctx context.Context, root map[string]interface{}) context.Context {
	return context.WithValue(ctx, rootKey, root)
}

// RootValue returns the root value attached by WithRoot, or nil.
func RootValue(ctx context.Context) map[string]interface{} {
	root, _ := ctx.Value(rootKey).(map[string]interface{})
	return root
}

type principalKeyType struct{}

var principalKey principalKeyType

// WithPrincipal attaches the subscription's stored request context (user
// identity, scopes) so resolvers can apply per-subscriber authorization.
func WithPrincipal(ctx context.Context, principal map[string]interface{}) context.Context {
	return context.WithValue(ctx, principalKey, principal)
}

// Principal returns the request context attached by WithPrincipal, or nil.
func Principal(ctx context.Context) map[string]interface{} {
	principal, _ := ctx.Value(principalKey).(map[string]interface{})
	return principal
}

// MergeRoot overlays the event root value on top of a subscription's stored
// root template. Event keys win; the template only supplies defaults bound at
// registration time.
func MergeRoot(template, event map[string]interface{}) map[string]interface{} {
	if len(template) == 0 {
		return event
	}
	merged := make(map[string]interface{}, len(template)+len(event))
	for k, v := range template {
		merged[k] = v
	}
	for k, v := range event {
		merged[k] = v
	}
	return merged
}
