package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/courierai/courier/internal/auth"
	"github.com/courierai/courier/internal/store"
)

type AccountsHandler struct {
	logger *slog.Logger
	store  *store.Store
}

func NewAccountsHandler(log *slog.Logger, st *store.Store) *AccountsHandler {
	return &AccountsHandler{
		logger: log.With(slog.String("handler", "accounts")),
		store:  st,
	}
}

func (h *AccountsHandler) Register(e *echo.Echo) {
	e.POST("/api/accounts", h.Ensure)
	e.PUT("/api/accounts/:id/credential", h.UpsertCredential)
}

type ensureAccountRequest struct {
	Name string `json:"name"`
}

func (h *AccountsHandler) Ensure(c echo.Context) error {
	if err := auth.RequireAdmin(c); err != nil {
		return err
	}
	var req ensureAccountRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Name) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	id, err := h.store.EnsureAccount(c.Request().Context(), strings.TrimSpace(req.Name))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"id": id, "name": strings.TrimSpace(req.Name)})
}

type credentialRequest struct {
	Provider string `json:"provider" validate:"required"`
	APIKey   string `json:"api_key" validate:"required"`
	BaseURL  string `json:"base_url"`
	Model    string `json:"model"`
}

func (h *AccountsHandler) UpsertCredential(c echo.Context) error {
	if err := auth.RequireAdmin(c); err != nil {
		return err
	}
	var req credentialRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	err := h.store.UpsertCredential(c.Request().Context(), c.Param("id"), req.Provider, req.APIKey, req.BaseURL, req.Model)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
