package middleware

import (
	"errors"
	"slices"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"mempool-proxy-go/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that records inbound request
// metrics labelled by route prefix. Requests to skipPaths (typically the
// scrape endpoint) are not recorded.
func MetricsMiddleware(m *metrics.Metrics, skipPaths ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if slices.Contains(skipPaths, c.Request().URL.Path) {
				return next(c)
			}

			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			err := next(c)

			status := strconv.Itoa(responseStatus(c, err))
			method := metrics.NormalizeMethod(c.Request().Method)
			path := m.NormalizePath(c.Request().URL.Path)

			m.RequestsTotal.WithLabelValues(method, status, path).Inc()
			m.RequestDuration.WithLabelValues(method, status, path).Observe(time.Since(start).Seconds())

			return err
		}
	}
}

// responseStatus is the status the client sees. An *echo.HTTPError returned
// before anything was written is rendered later by echo's error handler.
func responseStatus(c echo.Context, err error) int {
	var he *echo.HTTPError
	if err != nil && !c.Response().Committed && errors.As(err, &he) {
		return he.Code
	}
	return c.Response().Status
}
