package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"portale/config"

	"gopkg.in/yaml.v3"
)

// Protocol is the wire protocol a service speaks.
type Protocol = string

// Target is a parsed "<host>:<port>/<path>" delegate address.
type Target struct {
	Host string
	Port int
	Path string
}

// URL returns the plain-HTTP URL delegates are always called on.
func (t Target) URL() string {
	return "http://" + net.JoinHostPort(t.Host, strconv.Itoa(t.Port)) + t.Path
}

func (t Target) String() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port)) + t.Path
}

// ErrMalformedTarget is returned for delegate strings that are not "<host>:<port>/<path>".
var ErrMalformedTarget = errors.New("malformed delegate target")

// ParseTarget parses "<host>:<port>/<path>". Everything after the first slash that follows
// the port is the path; a missing path becomes "/".
func ParseTarget(s string) (Target, error) {
	host, portPath, ok := strings.Cut(s, ":")
	if !ok || host == "" {
		return Target{}, fmt.Errorf("%w: %q", ErrMalformedTarget, s)
	}
	portStr, path, _ := strings.Cut(portPath, "/")
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return Target{}, fmt.Errorf("%w: %q: bad port %q", ErrMalformedTarget, s, portStr)
	}
	return Target{Host: host, Port: port, Path: "/" + path}, nil
}

// StatusRange is an inclusive range of HTTP status codes.
type StatusRange struct {
	Start int
	End   int
}

// Contains reports whether code is inside the range.
func (r StatusRange) Contains(code int) bool {
	return code >= r.Start && code <= r.End
}

// ParseStatusRange parses "<start>-<end>" or a single "<code>".
func ParseStatusRange(s string) (StatusRange, error) {
	startStr, endStr, isRange := strings.Cut(s, "-")
	start, err := strconv.Atoi(strings.TrimSpace(startStr))
	if err != nil {
		return StatusRange{}, fmt.Errorf("invalid status range %q", s)
	}
	end := start
	if isRange {
		if end, err = strconv.Atoi(strings.TrimSpace(endStr)); err != nil {
			return StatusRange{}, fmt.Errorf("invalid status range %q", s)
		}
	}
	if end < start {
		return StatusRange{}, fmt.Errorf("invalid status range %q: end before start", s)
	}
	return StatusRange{Start: start, End: end}, nil
}

// ErrorRoute sends responses whose status falls in Range to Target.
type ErrorRoute struct {
	Range  StatusRange
	Target Target
}

// ErrorRoutes is the "error" tag: status ranges in the order they were declared.
type ErrorRoutes []ErrorRoute

// UnmarshalYAML decodes the mapping node by node so declaration order survives, and
// parses every key and value up front.
func (e *ErrorRoutes) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: error tag must be a mapping", node.Line)
	}
	routes := make(ErrorRoutes, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		sr, err := ParseStatusRange(key.Value)
		if err != nil {
			return fmt.Errorf("line %d: %w", key.Line, err)
		}
		target, err := ParseTarget(value.Value)
		if err != nil {
			return fmt.Errorf("line %d: %w", value.Line, err)
		}
		routes = append(routes, ErrorRoute{Range: sr, Target: target})
	}
	*e = routes
	return nil
}

// UnmarshalJSON reads the object token by token; a plain map would lose declaration order.
func (e *ErrorRoutes) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*e = nil
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return errors.New("error tag must be an object")
	}

	var routes ErrorRoutes
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := keyTok.(string)
		var value string
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("error tag %q: %w", key, err)
		}
		sr, err := ParseStatusRange(key)
		if err != nil {
			return err
		}
		target, err := ParseTarget(value)
		if err != nil {
			return fmt.Errorf("error tag %q: %w", key, err)
		}
		routes = append(routes, ErrorRoute{Range: sr, Target: target})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*e = routes
	return nil
}

// Tags are the routing hints attached to a service.
type Tags struct {
	Exact       []string    `yaml:"exact" json:"exact"`
	Prefix      []string    `yaml:"prefix" json:"prefix"`
	Auth        string      `yaml:"auth" json:"auth"`
	Error       ErrorRoutes `yaml:"error" json:"error"`
	Priority    int         `yaml:"priority" json:"priority"`
	EntryPoints []string    `yaml:"entryPoints" json:"entryPoints"` // nil means every entry point
}

// Service is a backend target.
type Service struct {
	Name     string   `yaml:"name" json:"name"`
	Address  string   `yaml:"address" json:"address"`
	Port     int      `yaml:"port" json:"port"`
	Protocol Protocol `yaml:"protocol" json:"protocol"`
	Tags     Tags     `yaml:"tags" json:"tags"`

	authTarget *Target
}

// prepare validates the record and parses the auth tag.
func (s *Service) prepare() error {
	switch s.Protocol {
	case config.ProtocolHTTP, config.ProtocolHTTPS, config.ProtocolWS, config.ProtocolWSS:
	default:
		return fmt.Errorf("service %q: unknown protocol %q", s.Name, s.Protocol)
	}
	if s.Address == "" {
		return fmt.Errorf("service %q: address is required", s.Name)
	}
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("service %q: port %d out of range", s.Name, s.Port)
	}
	s.authTarget = nil
	if s.Tags.Auth != "" {
		t, err := ParseTarget(s.Tags.Auth)
		if err != nil {
			return fmt.Errorf("service %q: auth tag: %w", s.Name, err)
		}
		s.authTarget = &t
	}
	return nil
}

// AuthTarget returns the forward-auth delegate, if the service declares one.
func (s *Service) AuthTarget() (Target, bool) {
	if s.authTarget == nil {
		return Target{}, false
	}
	return *s.authTarget, true
}

// ErrorTarget returns the error delegate of the first declared range containing status.
func (s *Service) ErrorTarget(status int) (Target, bool) {
	for _, r := range s.Tags.Error {
		if r.Range.Contains(status) {
			return r.Target, true
		}
	}
	return Target{}, false
}

// Host returns "address:port".
func (s *Service) Host() string {
	return net.JoinHostPort(s.Address, strconv.Itoa(s.Port))
}

// eligible reports whether the service may serve the entry point.
func (s *Service) eligible(entryPoint string) bool {
	if s.Tags.EntryPoints == nil {
		return true
	}
	for _, ep := range s.Tags.EntryPoints {
		if ep == entryPoint {
			return true
		}
	}
	return false
}

// matches reports whether path is in the exact set or starts with a prefix.
func (s *Service) matches(path string) bool {
	for _, e := range s.Tags.Exact {
		if e == path {
			return true
		}
	}
	for _, p := range s.Tags.Prefix {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
