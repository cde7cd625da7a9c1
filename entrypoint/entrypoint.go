// Package entrypoint maps an inbound (port, protocol, path) triple to the logical
// entry point that should handle it.
package entrypoint

import (
	"strings"

	"portale/config"

	"golang.org/x/exp/slices"
)

// Resolver holds the entry points in declaration order. It is immutable once built and
// safe for concurrent use.
type Resolver struct {
	entryPoints []config.EntryPoint
}

// NewResolver creates a Resolver over a copy of the given entry points.
func NewResolver(entryPoints []config.EntryPoint) *Resolver {
	return &Resolver{entryPoints: slices.Clone(entryPoints)}
}

// Resolve returns the first entry point that listens on port, accepts protocol and,
// when it declares path prefixes and path is non-empty, has a prefix of path.
//
// Parameters:
// - port: The port the request arrived on.
// - protocol: One of http, https, ws, wss.
// - path: The request path; empty skips the path check.
//
// Returns:
// - config.EntryPoint: The matching entry point.
// - bool: False when nothing matches.
func (r *Resolver) Resolve(port int, protocol, path string) (config.EntryPoint, bool) {
	for _, ep := range r.entryPoints {
		if !slices.Contains(ep.Ports, port) || !slices.Contains(ep.Protocols, protocol) {
			continue
		}
		if ep.Paths != nil && path != "" && !hasAnyPrefix(path, ep.Paths) {
			continue
		}
		return ep, true
	}
	return config.EntryPoint{}, false
}

// EntryPoints returns the configured entry points.
func (r *Resolver) EntryPoints() []config.EntryPoint {
	return slices.Clone(r.entryPoints)
}

func hasAnyPrefix(path string, prefixes []string) bool {
	return slices.ContainsFunc(prefixes, func(p string) bool {
		return strings.HasPrefix(path, p)
	})
}
