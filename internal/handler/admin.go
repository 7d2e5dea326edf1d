package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/game-code-market/internal/service"
)

// Sweeper runs the settlement sweeps on demand.
type Sweeper interface {
	SweepAll(ctx context.Context) (service.SweepReport, error)
}

// AdminHandler holds operator endpoints.
type AdminHandler struct {
	Jobs Sweeper
	Log  *slog.Logger
}

// NewAdminHandler constructs an AdminHandler.
func NewAdminHandler(jobs Sweeper, log *slog.Logger) *AdminHandler {
	return &AdminHandler{Jobs: jobs, Log: log}
}

// Sweep handles POST /v1/admin/sweep and returns what the sweep touched.
func (h *AdminHandler) Sweep(c echo.Context) error {
	rep, err := h.Jobs.SweepAll(c.Request().Context())
	if err != nil {
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, rep)
}
