package entrypoint_test

import (
	"testing"

	"portale/config"
	"portale/entrypoint"

	"github.com/stretchr/testify/assert"
)

func testResolver() *entrypoint.Resolver {
	return entrypoint.NewResolver([]config.EntryPoint{
		{Name: "api", Ports: []int{8080}, Protocols: []string{"http", "ws"}, Paths: []string{"/api", "/v2"}},
		{Name: "web", Ports: []int{8080, 8081}, Protocols: []string{"http"}},
		{Name: "secure", Ports: []int{443}, Protocols: []string{"https", "wss"}},
	})
}

func TestResolve(t *testing.T) {
	r := testResolver()

	tests := []struct {
		name     string
		port     int
		protocol string
		path     string
		want     string
		found    bool
	}{
		{"path prefix match", 8080, "http", "/api/users", "api", true},
		{"second prefix", 8080, "ws", "/v2/stream", "api", true},
		{"falls through to catch-all", 8080, "http", "/home", "web", true},
		{"protocol filters", 8080, "ws", "/home", "", false},
		{"port filters", 8081, "http", "/api/users", "web", true},
		{"tls entry point", 443, "wss", "/anything", "secure", true},
		{"no port", 9999, "http", "/api", "", false},
		{"empty path skips prefix check", 8080, "ws", "", "api", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ep, ok := r.Resolve(tc.port, tc.protocol, tc.path)
			assert.Equal(t, tc.found, ok)
			assert.Equal(t, tc.want, ep.Name)
		})
	}
}

func TestResolveFirstMatchWins(t *testing.T) {
	r := entrypoint.NewResolver([]config.EntryPoint{
		{Name: "first", Ports: []int{80}, Protocols: []string{"http"}},
		{Name: "second", Ports: []int{80}, Protocols: []string{"http"}},
	})

	ep, ok := r.Resolve(80, "http", "/x")
	assert.True(t, ok)
	assert.Equal(t, "first", ep.Name)
}

func TestNewResolverCopiesInput(t *testing.T) {
	eps := []config.EntryPoint{{Name: "a", Ports: []int{80}, Protocols: []string{"http"}}}
	r := entrypoint.NewResolver(eps)
	eps[0].Name = "mutated"

	assert.Equal(t, "a", r.EntryPoints()[0].Name)
}
