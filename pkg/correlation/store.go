// store.go binds a correlation context to a context.Context chain.

package correlation

import "context"

// contextKey is unexported to avoid collisions with other packages.
type contextKey struct{}

// WithContext returns a derived ctx with c bound to it. The parent ctx is
// left untouched, so code still holding it keeps seeing its own binding.
func WithContext(ctx context.Context, c *Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, c)
}

// FromContext returns the correlation context bound to ctx.
// Returns nil and false if none is bound.
func FromContext(ctx context.Context) (*Context, bool) {
	if ctx == nil {
		return nil, false
	}
	c, ok := ctx.Value(contextKey{}).(*Context)
	return c, ok && c != nil
}
