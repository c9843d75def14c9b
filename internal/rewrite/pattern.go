// Package rewrite maps absolute upstream URLs onto same-origin proxy paths.
package rewrite

import (
	"fmt"
	"net"
	"strings"

	"golang.org/x/net/idna"
)

// HostPattern is one upstream origin eligible for proxying, together with the
// local path prefix its requests are rewritten to. The zero value matches nothing.
type HostPattern struct {
	host     string // normalized host, or ".suffix" for wildcard patterns
	wildcard bool
	port     string // empty means any port
	prefix   string
}

// NewHostPattern parses a host matcher and a local path prefix.
//
// The host is either exact ("mempool.space") or a leading wildcard
// ("*.mempool.space") that only matches subdomains. An optional ":port"
// restricts the match to that port.
func NewHostPattern(host, prefix string) (HostPattern, error) {
	if !strings.HasPrefix(prefix, "/") {
		return HostPattern{}, fmt.Errorf("prefix %q must start with '/'", prefix)
	}
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		return HostPattern{}, fmt.Errorf("prefix must not be the root path")
	}
	if strings.ContainsAny(prefix, "?#") {
		return HostPattern{}, fmt.Errorf("prefix %q must not contain a query or fragment", prefix)
	}

	wildcard := strings.HasPrefix(host, "*.")
	if wildcard {
		host = host[2:]
	}

	name, port, ok := splitHostPort(host)
	if !ok {
		return HostPattern{}, fmt.Errorf("invalid host pattern %q", host)
	}
	norm, err := normalizeHost(name)
	if err != nil {
		return HostPattern{}, fmt.Errorf("host pattern %q: %w", host, err)
	}
	if wildcard {
		norm = "." + norm
	}

	return HostPattern{host: norm, wildcard: wildcard, port: port, prefix: prefix}, nil
}

// MustHostPattern is like NewHostPattern but panics on error.
func MustHostPattern(host, prefix string) HostPattern {
	p, err := NewHostPattern(host, prefix)
	if err != nil {
		panic(err)
	}
	return p
}

// Host returns the pattern in the form it was configured, normalized.
func (p HostPattern) Host() string {
	h := p.host
	if p.wildcard {
		h = "*" + h
	}
	if p.port != "" {
		if strings.Contains(h, ":") {
			h = "[" + h + "]"
		}
		h += ":" + p.port
	}
	return h
}

// Prefix returns the local path prefix, without a trailing slash.
func (p HostPattern) Prefix() string {
	return p.prefix
}

// Match reports whether authority (host with optional port, no userinfo)
// is covered by the pattern.
func (p HostPattern) Match(authority string) bool {
	if p.host == "" {
		return false
	}
	name, port, ok := splitHostPort(authority)
	if !ok {
		return false
	}
	if p.port != "" && port != p.port {
		return false
	}
	norm, err := normalizeHost(name)
	if err != nil {
		norm = strings.ToLower(name)
	}
	if p.wildcard {
		return len(norm) > len(p.host) && strings.HasSuffix(norm, p.host)
	}
	return norm == p.host
}

// Overlaps reports whether both patterns could match the same exact host.
// Wildcards are compared by suffix only.
func (p HostPattern) Overlaps(o HostPattern) bool {
	if p.port != "" && o.port != "" && p.port != o.port {
		return false
	}
	switch {
	case p.wildcard && o.wildcard:
		return strings.HasSuffix(p.host, o.host) || strings.HasSuffix(o.host, p.host)
	case p.wildcard:
		return len(o.host) > len(p.host) && strings.HasSuffix(o.host, p.host)
	case o.wildcard:
		return len(p.host) > len(o.host) && strings.HasSuffix(p.host, o.host)
	default:
		return p.host == o.host
	}
}

// splitHostPort separates an authority into host and port. Unlike
// net.SplitHostPort it accepts a missing port and validates the port digits.
func splitHostPort(authority string) (host, port string, ok bool) {
	switch {
	case strings.HasPrefix(authority, "["):
		end := strings.IndexByte(authority, ']')
		if end < 0 {
			return "", "", false
		}
		host = authority[1:end]
		rest := authority[end+1:]
		if rest != "" {
			if rest[0] != ':' {
				return "", "", false
			}
			port = rest[1:]
		}
	case strings.Count(authority, ":") > 1:
		// bare IPv6 is not a valid authority
		return "", "", false
	default:
		host = authority
		if i := strings.LastIndexByte(authority, ':'); i >= 0 {
			host, port = authority[:i], authority[i+1:]
		}
	}

	for i := 0; i < len(port); i++ {
		if port[i] < '0' || port[i] > '9' {
			return "", "", false
		}
	}
	if host == "" {
		return "", "", false
	}
	return host, port, true
}

// normalizeHost lower-cases a host and converts internationalized names to
// their ASCII form so that comparisons are case-insensitive.
func normalizeHost(host string) (string, error) {
	host = strings.TrimSuffix(host, ".")
	if host == "" {
		return "", fmt.Errorf("empty host")
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String(), nil
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", err
	}
	return strings.ToLower(ascii), nil
}
