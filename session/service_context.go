package session

import "context"

// ServiceContext is the per-process service container. The catalog hangs off
// it as a decoration so tests can run isolated catalogs side by side instead
// of sharing a package global.
type ServiceContext struct {
	catalog *Catalog
}

// NewServiceContext wraps a catalog into a service container
func NewServiceContext(catalog *Catalog) *ServiceContext {
	return &ServiceContext{catalog: catalog}
}

// Catalog returns the service's session catalog
func (sc *ServiceContext) Catalog() *Catalog {
	return sc.catalog
}

type serviceContextKey struct{}

// WithServiceContext decorates ctx with the service container
func WithServiceContext(ctx context.Context, sc *ServiceContext) context.Context {
	return context.WithValue(ctx, serviceContextKey{}, sc)
}

// FromContext extracts the service container, or nil when ctx was never
// decorated.
func FromContext(ctx context.Context) *ServiceContext {
	sc, _ := ctx.Value(serviceContextKey{}).(*ServiceContext)
	return sc
}

// CatalogOf returns the catalog reachable through the operation's context.
// It panics when the operation was built outside a decorated service, which
// is a programmer error.
func CatalogOf(op *Operation) *Catalog {
	sc := FromContext(op.Ctx)
	if sc == nil {
		panic("session: operation context carries no service context")
	}
	return sc.catalog
}
