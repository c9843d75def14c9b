// Package intercept redirects outgoing HTTP requests for known upstream
// hosts to same-origin proxy paths before they reach the network.
package intercept

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"mempool-proxy-go/internal/metrics"
	"mempool-proxy-go/internal/rewrite"
)

// RoundTripFunc adapts a function to http.RoundTripper.
type RoundTripFunc func(*http.Request) (*http.Response, error)

// RoundTrip calls f(req).
func (f RoundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// Transport applies a rewrite.Rule to every request and delegates to the
// transport it was built on. Requests that match are sent to the local
// origin instead of the upstream host; all others pass through untouched.
type Transport struct {
	base    http.RoundTripper
	rule    *rewrite.Rule
	origin  string // scheme://host[:port], no trailing slash
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger emits a debug line for each rewritten request.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger.With("component", "intercept")
		}
	}
}

// WithMetrics counts rewritten requests per local prefix.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Transport) {
		t.metrics = m
	}
}

// NewTransport wraps base. A nil base means the value of
// http.DefaultTransport at the time of the call; it is captured once and
// never re-read. origin is where the local proxy routes are served,
// e.g. "http://127.0.0.1:8000".
func NewTransport(base http.RoundTripper, rule *rewrite.Rule, origin string, opts ...Option) (*Transport, error) {
	o, err := parseOrigin(origin)
	if err != nil {
		return nil, err
	}
	if base == nil {
		base = http.DefaultTransport
	}

	t := &Transport{
		base:   base,
		rule:   rule,
		origin: o,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// RoundTrip implements http.RoundTripper.
//
// A request that does not match is handed to the base transport as the same
// *http.Request value. A matching request is cloned with its URL pointed at
// the local origin. Responses and errors from the base transport are
// returned as they are.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	res := t.rule.RewriteURL(req.URL)
	if !res.Rewritten {
		return t.base.RoundTrip(req)
	}

	target, err := url.Parse(t.origin + res.URL)
	if err != nil {
		return t.base.RoundTrip(req)
	}

	out := req.Clone(req.Context())
	out.URL = target
	out.Host = ""

	if t.logger != nil {
		t.logger.Debug("rewrote request",
			"method", req.Method,
			"from_host", req.URL.Host,
			"to", target.Path,
		)
	}
	if t.metrics != nil {
		t.metrics.RewritesTotal.WithLabelValues(res.Pattern.Prefix()).Inc()
	}

	return t.base.RoundTrip(out)
}

// Base returns the transport requests are delegated to.
func (t *Transport) Base() http.RoundTripper {
	return t.base
}

// Origin returns the local origin rewritten requests are sent to.
func (t *Transport) Origin() string {
	return t.origin
}

// NewClient returns a shallow copy of base that sends requests through t.
// A nil base starts from a zero http.Client.
func NewClient(base *http.Client, t *Transport) *http.Client {
	var c http.Client
	if base != nil {
		c = *base
	}
	c.Transport = t
	return &c
}

func parseOrigin(origin string) (string, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("local origin: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("local origin %q must use http or https", origin)
	}
	if u.Host == "" {
		return "", fmt.Errorf("local origin %q has no host", origin)
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" {
		return "", fmt.Errorf("local origin %q must not have a path, query or fragment", origin)
	}
	return u.Scheme + "://" + u.Host, nil
}
