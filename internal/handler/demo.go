package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"mempool-proxy-go/internal/explorer"
)

// DemoHandler serves explorer lookups made through the intercepted client.
type DemoHandler struct {
	explorer *explorer.Client
	logger   *slog.Logger
}

// NewDemoHandler creates a DemoHandler.
func NewDemoHandler(ex *explorer.Client, logger *slog.Logger) *DemoHandler {
	return &DemoHandler{
		explorer: ex,
		logger:   logger.With("component", "demo_handler"),
	}
}

// Address returns the summary of the :address path parameter.
func (h *DemoHandler) Address(c echo.Context) error {
	s, err := h.explorer.Address(c.Request().Context(), c.Param("address"))
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(http.StatusOK, s)
}

// UTXOs returns the unspent outputs of the :address path parameter.
func (h *DemoHandler) UTXOs(c echo.Context) error {
	utxos, err := h.explorer.UTXOs(c.Request().Context(), c.Param("address"))
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(http.StatusOK, utxos)
}

// Transaction returns the status of the :txid path parameter.
func (h *DemoHandler) Transaction(c echo.Context) error {
	tx, err := h.explorer.Transaction(c.Request().Context(), c.Param("txid"))
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(http.StatusOK, tx)
}

func (h *DemoHandler) mapError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, explorer.ErrInvalidInput):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, explorer.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
	}

	h.logger.Error("explorer error",
		"err", err,
		"path", c.Request().URL.Path,
	)

	var se *explorer.StatusError
	if errors.As(err, &se) {
		return c.JSON(http.StatusBadGateway, map[string]any{
			"error":           "explorer request failed",
			"upstream_status": se.StatusCode,
		})
	}

	status, msg := upstreamError(err)
	return c.JSON(status, map[string]string{"error": msg})
}
