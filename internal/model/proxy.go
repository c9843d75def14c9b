// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest represents a request arriving on a local proxy route.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	// Path is the escaped request path, including the route prefix.
	Path string
	// RawQuery is forwarded verbatim, without re-encoding.
	RawQuery string
	// Origin is the scheme and host the request arrived on. Upstream
	// redirects are rebased onto it; empty leaves them root-relative.
	Origin string
	Header http.Header
	Body   io.ReadCloser
	// ContentLength is -1 when the inbound body length is unknown.
	ContentLength int64
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
