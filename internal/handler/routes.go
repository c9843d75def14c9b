package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mempool-proxy-go/internal/config"
	"mempool-proxy-go/internal/metrics"
	"mempool-proxy-go/internal/service"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, svc *service.ProxyService, proxy *ProxyHandler, health *HealthHandler, demo *DemoHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	e.GET("/demo/address/:address", demo.Address)
	e.GET("/demo/address/:address/utxo", demo.UTXOs)
	e.GET("/demo/tx/:txid", demo.Transaction)

	for _, r := range svc.Routes() {
		e.Any(r.Prefix, proxy.Handle)
		e.Any(r.Prefix+"/*", proxy.Handle)
	}
}

// RegisterMetrics exposes the Prometheus registry on the configured path when enabled.
func RegisterMetrics(e *echo.Echo, cfg *config.Config, m *metrics.Metrics) {
	if !cfg.Metrics.Enabled {
		return
	}
	e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
}
