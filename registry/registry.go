// Package registry holds the set of backend services the gateway can route to and picks
// one for each request.
//
// The service list is read from a JSON or YAML file and replaced wholesale on every
// reload; readers always observe one complete snapshot.
package registry

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"portale/metrics"

	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

// Source supplies the raw registry document.
type Source interface {
	Read() ([]byte, error)
	String() string
}

// FileSource reads the registry from a file on every load.
type FileSource string

func (f FileSource) Read() ([]byte, error) { return os.ReadFile(string(f)) }
func (f FileSource) String() string         { return string(f) }

// LoadError reports a registry source that could not be read or parsed. The previous
// snapshot stays in force when it is returned.
type LoadError struct {
	Source string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading services from %s: %v", e.Source, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Snapshot is an immutable, validated list of services in source order.
type Snapshot struct {
	services []Service
}

// NewSnapshot validates services and builds a snapshot over a copy of them.
func NewSnapshot(services []Service) (*Snapshot, error) {
	s := &Snapshot{services: slices.Clone(services)}
	for i := range s.services {
		if err := s.services[i].prepare(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Parse decodes a registry document. A document starting with '[' is read as JSON; if it
// is not valid JSON it is retried as a YAML flow sequence. Anything else is read as YAML.
func Parse(data []byte) (*Snapshot, error) {
	data = bytes.TrimPrefix(data, utf8BOM)

	var services []Service
	if trimmed := bytes.TrimLeft(data, " \t\r\n"); len(trimmed) > 0 && trimmed[0] == '[' {
		err := json.Unmarshal(trimmed, &services)
		var syntaxErr *json.SyntaxError
		if err == nil {
			return NewSnapshot(services)
		}
		if !errors.As(err, &syntaxErr) {
			return nil, err
		}
		services = nil
		if yaml.Unmarshal(data, &services) != nil {
			return nil, err
		}
		return NewSnapshot(services)
	}

	if err := yaml.Unmarshal(data, &services); err != nil {
		return nil, err
	}
	return NewSnapshot(services)
}

var utf8BOM = []byte("\xef\xbb\xbf")

// Len returns the number of services.
func (s *Snapshot) Len() int { return len(s.services) }

// Services returns a copy of the services in source order.
func (s *Snapshot) Services() []Service { return slices.Clone(s.services) }

// Select picks the service that should handle path on entryPoint.
//
// Services of the requested protocol that are eligible for the entry point are ordered by
// priority, highest first, keeping source order among equals. The first one whose exact set
// contains path, or one of whose prefixes starts path, wins. When nothing matches by tag the
// highest priority candidate is returned.
//
// Parameters:
// - entryPoint: Name of the resolved entry point.
// - path: The request path.
// - protocol: One of http, https, ws, wss.
//
// Returns:
// - *Service: The selected service.
// - bool: False when no service is eligible.
func (s *Snapshot) Select(entryPoint, path string, protocol Protocol) (*Service, bool) {
	candidates := make([]*Service, 0, len(s.services))
	for i := range s.services {
		svc := &s.services[i]
		if svc.Protocol == protocol && svc.eligible(entryPoint) {
			candidates = append(candidates, svc)
		}
	}
	if len(candidates) == 0 {
		return nil, false
	}

	slices.SortStableFunc(candidates, func(a, b *Service) int {
		return cmp.Compare(b.Tags.Priority, a.Tags.Priority)
	})

	for _, svc := range candidates {
		if svc.matches(path) {
			return svc, true
		}
	}
	return candidates[0], true
}

// Registry owns the current snapshot.
type Registry struct {
	source   Source
	logger   *slog.Logger
	snapshot atomic.Pointer[Snapshot]
}

// New creates a registry with an empty snapshot. Call Load to populate it.
func New(source Source, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{source: source, logger: logger}
	r.snapshot.Store(&Snapshot{})
	return r
}

// Load reads and parses the source and swaps in the new snapshot. On failure the current
// snapshot is left untouched and a *LoadError is returned.
func (r *Registry) Load() error {
	data, err := r.source.Read()
	if err != nil {
		return r.loadFailed(err)
	}
	snap, err := Parse(data)
	if err != nil {
		return r.loadFailed(err)
	}

	r.snapshot.Store(snap)
	metrics.RecordRegistryReload(true, snap.Len())
	r.logger.Info("Service registry loaded", slog.String("source", r.source.String()), slog.Int("services", snap.Len()))
	return nil
}

func (r *Registry) loadFailed(err error) error {
	metrics.RecordRegistryReload(false, r.Snapshot().Len())
	return &LoadError{Source: r.source.String(), Err: err}
}

// Replace installs a snapshot directly.
func (r *Registry) Replace(snap *Snapshot) {
	r.snapshot.Store(snap)
}

// Snapshot returns the snapshot currently in force.
func (r *Registry) Snapshot() *Snapshot {
	return r.snapshot.Load()
}

// Select runs Snapshot.Select against the current snapshot.
func (r *Registry) Select(entryPoint, path string, protocol Protocol) (*Service, bool) {
	return r.Snapshot().Select(entryPoint, path, protocol)
}

// Run reloads the registry for every event received until ctx is done or events is closed.
// Failed reloads are logged and the previous snapshot keeps serving.
func (r *Registry) Run(ctx context.Context, events <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			r.logger.Info("Services file changed, reloading", slog.String("source", r.source.String()))
			if err := r.Load(); err != nil {
				r.logger.Error("Service registry reload failed, keeping previous services", slog.Any("error", err))
			}
		}
	}
}
