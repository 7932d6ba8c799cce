package gateway

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// Route mounts a handler under a path prefix for one protocol family.
type Route struct {
	Family  Family
	Prefix  string
	Handler Handler
}

// Router dispatches non-lifecycle exchanges to the registered handler with
// the longest matching mount prefix. The route table is built once at
// construction and immutable afterward.
type Router struct {
	Logger *logrus.Logger

	mounts    map[Family][]Route
	fallbacks map[Family]Handler
}

// NewRouter builds a router from a static registration list and one fallback
// handler per family. Fallback handlers terminate exchanges nothing is
// mounted for.
func NewRouter(routes []Route, fallbacks map[Family]Handler, logger *logrus.Logger) *Router {
	mounts := make(map[Family][]Route)
	for _, r := range routes {
		mounts[r.Family] = append(mounts[r.Family], r)
	}
	// Longest prefix first so overlapping mounts resolve to the most
	// specific one.
	for _, rs := range mounts {
		sort.SliceStable(rs, func(i, j int) bool {
			return len(rs[i].Prefix) > len(rs[j].Prefix)
		})
	}
	return &Router{Logger: logger, mounts: mounts, fallbacks: fallbacks}
}

// Resolve returns the handler mounted under the longest prefix matching
// path, or ok=false if nothing matches. A prefix matches if it equals the
// path exactly or is immediately followed by a path separator.
func (r *Router) Resolve(family Family, path string) (Handler, string, bool) {
	for _, route := range r.mounts[family] {
		if path == route.Prefix || strings.HasPrefix(path, route.Prefix+"/") {
			return route.Handler, route.Prefix, true
		}
	}
	return nil, "", false
}

// Serve dispatches one exchange, rewriting its mount root to the matched
// prefix before delegating. Unmatched exchanges go to the family's fallback,
// which must terminate them on its own.
func (r *Router) Serve(ctx context.Context, ex *Exchange, recv ReceiveFunc, send SendFunc) error {
	if handler, prefix, ok := r.Resolve(ex.Family, ex.Path); ok {
		ex.RootPath = prefix
		return handler.Serve(ctx, ex, recv, send)
	}

	fallback, ok := r.fallbacks[ex.Family]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedFamily, ex.Family)
	}
	r.Logger.Debugf("gateway: no mount for %s %s, using fallback", ex.Family, ex.Path)
	return fallback.Serve(ctx, ex, recv, send)
}
