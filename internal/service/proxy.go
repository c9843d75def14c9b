// Package service implements the reverse-proxy routes behind the local path prefixes.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"mempool-proxy-go/internal/client"
	"mempool-proxy-go/internal/config"
	"mempool-proxy-go/internal/model"
	"mempool-proxy-go/internal/rewrite"
)

// ErrNoRoute is returned when a request path is not under any configured prefix.
var ErrNoRoute = errors.New("no proxy route for path")

// forwardableRequestHeaders are the only request headers forwarded upstream.
// Cookie, Authorization, Origin and Referer stay on the local side.
var forwardableRequestHeaders = []string{
	"Accept",
	"Accept-Encoding",
	"Accept-Language",
	"Content-Type",
	"If-None-Match",
	"If-Modified-Since",
}

// forwardableResponseHeaders are the only response headers forwarded to the client.
// Access-Control-* is dropped: the route is same-origin.
var forwardableResponseHeaders = map[string]bool{
	"Content-Type":     true,
	"Content-Length":   true,
	"Content-Encoding": true,
	"Cache-Control":    true,
	"Date":             true,
	"Etag":             true,
	"Expires":          true,
	"Last-Modified":    true,
	"Location":         true,
	"X-Request-Id":     true,
}

const userAgent = "mempool-proxy-go/1.0"

// Route is one local prefix forwarded to an upstream target.
type Route struct {
	Prefix string
	Target *url.URL
	Hosts  []string

	// location maps upstream redirects back under Prefix.
	location *rewrite.Rule
}

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	client *client.UpstreamClient
	logger *slog.Logger
	routes []*Route // longest prefix first
}

// NewProxyService creates a ProxyService for the configured routes. Each
// route's target host must be covered by its own host list.
func NewProxyService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	s := &ProxyService{
		client: c,
		logger: logger.With("component", "proxy_service"),
	}

	for _, rc := range cfg.Routes {
		u, err := url.Parse(rc.Target)
		if err != nil {
			return nil, fmt.Errorf("parse route %s target: %w", rc.Prefix, err)
		}

		var patterns []rewrite.HostPattern
		covered := false
		for _, h := range rc.Hosts {
			p, err := rewrite.NewHostPattern(h, rc.Prefix)
			if err != nil {
				return nil, fmt.Errorf("route %s: %w", rc.Prefix, err)
			}
			patterns = append(patterns, p)
			if p.Match(u.Host) {
				covered = true
			}
		}
		if !covered {
			return nil, fmt.Errorf("route %s: upstream host %q is not in the allowlist", rc.Prefix, u.Host)
		}

		s.routes = append(s.routes, &Route{
			Prefix:   strings.TrimRight(rc.Prefix, "/"),
			Target:   u,
			Hosts:    slices.Clone(rc.Hosts),
			location: rewrite.NewRule(patterns...),
		})
	}

	slices.SortStableFunc(s.routes, func(a, b *Route) int { return len(b.Prefix) - len(a.Prefix) })
	return s, nil
}

// Routes returns the configured routes, longest prefix first.
func (s *ProxyService) Routes() []*Route {
	return slices.Clone(s.routes)
}

// Forward sends a ProxyRequest to the upstream of the route its path falls
// under and returns the response. The caller is responsible for closing the
// response body.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	route := s.match(pr.Path)
	if route == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoRoute, pr.Path)
	}

	upstreamURL := route.upstreamURL(pr.Path, pr.RawQuery)
	header := s.filterRequestHeaders(pr.Header)

	s.logger.Debug("forwarding request",
		"route", route.Prefix,
		"method", pr.Method,
		"path", pr.Path,
	)

	resp, err := s.client.DoStream(pr.Ctx, route.Prefix, pr.Method, upstreamURL, header, pr.Body, pr.ContentLength)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	resp.Header = s.filterResponseHeaders(route, pr.Origin, resp.Header)
	return resp, nil
}

// match returns the route with the longest prefix that path is equal to or
// nested under, or nil.
func (s *ProxyService) match(path string) *Route {
	for _, r := range s.routes {
		if path == r.Prefix || strings.HasPrefix(path, r.Prefix+"/") {
			return r
		}
	}
	return nil
}

// upstreamURL strips the route prefix and joins the remainder onto the
// target. Path and query bytes are kept as received.
func (r *Route) upstreamURL(path, rawQuery string) string {
	rest := strings.TrimPrefix(path, r.Prefix)
	if rest == "" {
		rest = "/"
	}

	var b strings.Builder
	b.WriteString(r.Target.Scheme)
	b.WriteString("://")
	b.WriteString(r.Target.Host)
	b.WriteString(strings.TrimRight(r.Target.EscapedPath(), "/"))
	b.WriteString(rest)
	if rawQuery != "" {
		b.WriteByte('?')
		b.WriteString(rawQuery)
	}
	return b.String()
}

func (s *ProxyService) filterRequestHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for _, key := range forwardableRequestHeaders {
		if vals := src.Values(key); len(vals) > 0 {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}
	dst.Set("User-Agent", userAgent)
	return dst
}

func (s *ProxyService) filterResponseHeaders(route *Route, origin string, src http.Header) http.Header {
	dst := make(http.Header)
	for key, vals := range src {
		if forwardableResponseHeaders[http.CanonicalHeaderKey(key)] {
			dst[key] = vals
		}
	}
	if loc := dst.Get("Location"); loc != "" {
		dst.Set("Location", route.localLocation(loc, origin))
	}
	return dst
}

// localLocation keeps redirects on the local origin. Absolute locations on
// one of the route's hosts and root-relative locations are moved under the
// prefix and made absolute on origin; anything else is left alone.
//
// An intercepted client resolves Location against the explorer URL it asked
// for, so a root-relative "/mempool/..." would come back through the shim a
// second time. The absolute local URL is not matched by the rule.
func (r *Route) localLocation(loc, origin string) string {
	if res := r.location.Rewrite(loc); res.Rewritten {
		return origin + res.URL
	}
	if strings.HasPrefix(loc, "/") && !strings.HasPrefix(loc, "//") {
		return origin + r.Prefix + loc
	}
	return loc
}
