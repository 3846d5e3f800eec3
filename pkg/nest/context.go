package nest

import "context"

type contextKey string

const infoKey contextKey = "nest_info"

// NewContext stores the resolved nest in ctx.
func NewContext(ctx context.Context, n *Nest) context.Context {
	return context.WithValue(ctx, infoKey, n)
}

// FromContext extracts the resolved nest from ctx, or nil if none was set.
func FromContext(ctx context.Context) *Nest {
	v, _ := ctx.Value(infoKey).(*Nest)
	return v
}
