package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"mempool-proxy-go/internal/model"
	"mempool-proxy-go/internal/service"
)

// ProxyHandler forwards requests under a route prefix to its upstream explorer.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle proxies the request to the route's upstream and streams the response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:      req.Context(),
		Method:   req.Method,
		Path:     req.URL.EscapedPath(),
		RawQuery: req.URL.RawQuery,
		Origin:   c.Scheme() + "://" + req.Host,
		Header:   req.Header,
		Body:     req.Body,

		ContentLength: req.ContentLength,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)

	// The status is already sent; a failed copy leaves the client with a
	// truncated body.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", req.URL.Path,
		)
	}

	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	if errors.Is(err, service.ErrNoRoute) {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "no proxy route for path",
		})
	}

	h.logger.Error("proxy error",
		"err", err,
		"path", c.Request().URL.Path,
	)

	status, msg := upstreamError(err)
	return c.JSON(status, map[string]string{"error": msg})
}

// upstreamError maps a transport-level failure to a gateway status and a
// message safe to show the client.
func upstreamError(err error) (int, string) {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, "upstream request timed out"
	}

	if errors.Is(err, context.Canceled) {
		return http.StatusBadGateway, "client disconnected"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return http.StatusBadGateway, "upstream host unreachable"
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return http.StatusGatewayTimeout, "upstream request timed out"
		}
		return http.StatusBadGateway, "upstream connection failed"
	}

	return http.StatusBadGateway, "upstream request failed"
}
