package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"mempool-proxy-go/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type routeStatus struct {
	Prefix string   `json:"prefix"`
	Target string   `json:"target"`
	Hosts  []string `json:"hosts"`
}

type statusResponse struct {
	Status      string        `json:"status"`
	Version     string        `json:"version"`
	LocalOrigin string        `json:"local_origin"`
	Routes      []routeStatus `json:"routes"`
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	resp := statusResponse{
		Status:      "ok",
		Version:     string(h.version),
		LocalOrigin: h.cfg.Client.LocalOrigin,
		Routes:      make([]routeStatus, 0, len(h.cfg.Routes)),
	}
	for _, r := range h.cfg.Routes {
		resp.Routes = append(resp.Routes, routeStatus{Prefix: r.Prefix, Target: r.Target, Hosts: r.Hosts})
	}
	return c.JSON(http.StatusOK, resp)
}
