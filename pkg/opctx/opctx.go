// Package opctx carries the ambient state §4.D and §4.I need per call.
package opctx

import "context"

// Session is an opaque reference to whoever is making a call. Portal
// does not interpret its fields; pkg/permission's callbacks do.
type Session struct {
	ID     string
	Values map[string]string
}

type ctxKey struct{ name string }

var (
	versionKey         = ctxKey{"version"}
	ifModifiedSinceKey = ctxKey{"if-modified-since"}
	sessionKey         = ctxKey{"session"}
)

// WithVersion returns a child context carrying a preferred version.
// pkg/store's ValueOf does not read it; it consults only the
// ifModifiedSince hint.
func WithVersion(ctx context.Context, v int64) context.Context {
	return context.WithValue(ctx, versionKey, v)
}

// Version returns the preferred version set by WithVersion, if any.
func Version(ctx context.Context) (int64, bool) {
	v, ok := ctx.Value(versionKey).(int64)
	return v, ok
}

// WithIfModifiedSince returns a child context carrying a
// not-modified-since version hint: valueOf returns a NOT-MODIFIED
// sentinel instead of the value when the entity's version matches.
func WithIfModifiedSince(ctx context.Context, v int64) context.Context {
	return context.WithValue(ctx, ifModifiedSinceKey, v)
}

// IfModifiedSince returns the hint set by WithIfModifiedSince, if any.
func IfModifiedSince(ctx context.Context) (int64, bool) {
	v, ok := ctx.Value(ifModifiedSinceKey).(int64)
	return v, ok
}

// WithSession returns a child context carrying s.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

// CurrentSession returns the session set by WithSession, or nil.
func CurrentSession(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionKey).(*Session)
	return s
}

// NewContext derives a context that carries the same session as parent
// but drops any version/ifModifiedSince hint — used by pkg/permission
// to build the context a permission callback runs in without letting
// callback-side version pinning leak back into the wrapped call.
func NewContext(parent context.Context) context.Context {
	ctx := context.Background()
	if s := CurrentSession(parent); s != nil {
		ctx = WithSession(ctx, s)
	}
	return ctx
}

// ExecuteWithin runs fn with ctx. It exists to match the vocabulary of
// §6's external context contract (setVersion/newContext/executeWithin)
// at call sites that read more naturally as "do this within ctx" than
// as a bare function call.
func ExecuteWithin(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}
