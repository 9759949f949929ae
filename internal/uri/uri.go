// Package uri handles cothub endpoint identifiers of the form
// scheme://common-name/type. The empty-authority form scheme:///server
// addresses the broker itself. The * wildcard matches exactly one URI
// segment and may stand in for the common name, the type, or both.
package uri

import (
	"fmt"
	"strings"
)

// Wildcard matches a single URI segment in target patterns.
const Wildcard = "*"

// Endpoint is a parsed endpoint URI.
type Endpoint struct {
	Scheme     string
	CommonName string
	Type       string
}

// String reassembles the endpoint into its wire form.
func (e Endpoint) String() string {
	return e.Scheme + "://" + e.CommonName + "/" + e.Type
}

// Build constructs an endpoint URI from its parts.
func Build(scheme, commonName, endpointType string) string {
	return Endpoint{Scheme: scheme, CommonName: commonName, Type: endpointType}.String()
}

// Server returns the broker's own address for the given scheme.
func Server(scheme string) string {
	return scheme + ":///server"
}

// Parse splits a URI or pattern into its endpoint parts.
func Parse(s string) (Endpoint, error) {
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok || scheme == "" {
		return Endpoint{}, fmt.Errorf("malformed endpoint URI %q", s)
	}
	cn, typ, ok := strings.Cut(rest, "/")
	if !ok || typ == "" || strings.Contains(typ, "/") {
		return Endpoint{}, fmt.Errorf("malformed endpoint URI %q", s)
	}
	return Endpoint{Scheme: scheme, CommonName: cn, Type: typ}, nil
}

// IsPattern reports whether s contains a wildcard segment.
func IsPattern(s string) bool {
	return strings.Contains(s, Wildcard)
}

// Match reports whether a concrete URI matches a pattern. A pattern without
// wildcards matches only itself; * matches any single segment value.
// Malformed patterns or URIs match nothing.
func Match(pattern, u string) bool {
	if pattern == u {
		return true
	}
	p, err := Parse(pattern)
	if err != nil {
		return false
	}
	e, err := Parse(u)
	if err != nil {
		return false
	}
	if p.Scheme != e.Scheme {
		return false
	}
	if p.CommonName != Wildcard && p.CommonName != e.CommonName {
		return false
	}
	if p.Type != Wildcard && p.Type != e.Type {
		return false
	}
	return true
}
