package handlers

import (
	"log/slog"
	"net/http"
	"sort"

	"github.com/labstack/echo/v4"

	"github.com/courierai/courier/internal/auth"
	"github.com/courierai/courier/internal/connector"
)

// StatusReporter exposes the live connection table.
// Satisfied by connector.Manager.
type StatusReporter interface {
	ConnectionStatuses() []connector.ConnectionStatus
	ConnectionStatusesByAccount(accountID string) []connector.ConnectionStatus
}

type ConnectionsHandler struct {
	logger  *slog.Logger
	manager StatusReporter
}

func NewConnectionsHandler(log *slog.Logger, manager StatusReporter) *ConnectionsHandler {
	return &ConnectionsHandler{
		logger:  log.With(slog.String("handler", "connections")),
		manager: manager,
	}
}

func (h *ConnectionsHandler) Register(e *echo.Echo) {
	e.GET("/api/connections", h.List)
}

func (h *ConnectionsHandler) List(c echo.Context) error {
	if err := auth.RequireAdmin(c); err != nil {
		return err
	}
	var statuses []connector.ConnectionStatus
	if accountID := c.QueryParam("account_id"); accountID != "" {
		statuses = h.manager.ConnectionStatusesByAccount(accountID)
	} else {
		statuses = h.manager.ConnectionStatuses()
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].ConfigID < statuses[j].ConfigID
	})
	return c.JSON(http.StatusOK, statuses)
}
