package txn

import "context"

type ownerKey struct{}

// WithOwner returns a copy of ctx carrying o.
func WithOwner(ctx context.Context, o *Owner) context.Context {
	return context.WithValue(ctx, ownerKey{}, o)
}

func OwnerFrom(ctx context.Context) (*Owner, bool) {
	o, ok := ctx.Value(ownerKey{}).(*Owner)
	return o, ok
}

// Ensure returns ctx and its owner, attaching a new owner when ctx has none.
func Ensure(ctx context.Context) (context.Context, *Owner) {
	if o, ok := OwnerFrom(ctx); ok {
		return ctx, o
	}
	o := NewOwner()
	return WithOwner(ctx, o), o
}
