package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/courierai/courier/internal/auth"
	"github.com/courierai/courier/internal/connector"
	"github.com/courierai/courier/internal/store"
)

// Refresher re-reads channel rows and reconciles live connections.
// Satisfied by connector.Manager.
type Refresher interface {
	Refresh(ctx context.Context)
}

// TypeChecker answers whether an adapter is registered for a channel type.
// Satisfied by connector.Registry.
type TypeChecker interface {
	Get(t connector.ChannelType) (connector.Adapter, bool)
}

type ChannelsHandler struct {
	logger   *slog.Logger
	store    *store.Store
	manager  Refresher
	registry TypeChecker
}

func NewChannelsHandler(log *slog.Logger, st *store.Store, manager Refresher, registry TypeChecker) *ChannelsHandler {
	return &ChannelsHandler{
		logger:   log.With(slog.String("handler", "channels")),
		store:    st,
		manager:  manager,
		registry: registry,
	}
}

func (h *ChannelsHandler) Register(e *echo.Echo) {
	group := e.Group("/api/channels")
	group.GET("", h.List)
	group.GET("/:id", h.Get)
	group.POST("", h.Create)
	group.PUT("/:id", h.Update)
	group.DELETE("/:id", h.Delete)
}

type channelRequest struct {
	AccountID   string         `json:"account_id" validate:"required"`
	ChannelType string         `json:"channel_type" validate:"required"`
	Mode        string         `json:"mode"`
	Credentials map[string]any `json:"credentials"`
	Settings    map[string]any `json:"settings"`
	Disabled    *bool          `json:"disabled"`
}

type channelResponse struct {
	ID          string         `json:"id"`
	AccountID   string         `json:"account_id"`
	ChannelType string         `json:"channel_type"`
	Mode        string         `json:"mode"`
	Settings    map[string]any `json:"settings"`
	Disabled    bool           `json:"disabled"`
}

// Credentials are write-only through the API.
func toChannelResponse(cfg connector.ChannelConfig) channelResponse {
	return channelResponse{
		ID:          cfg.ID,
		AccountID:   cfg.AccountID,
		ChannelType: string(cfg.ChannelType),
		Mode:        string(cfg.Mode),
		Settings:    cfg.Settings,
		Disabled:    cfg.Disabled,
	}
}

func (h *ChannelsHandler) List(c echo.Context) error {
	if err := auth.RequireAdmin(c); err != nil {
		return err
	}
	channels, err := h.store.ListChannels(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	items := make([]channelResponse, 0, len(channels))
	for _, ch := range channels {
		items = append(items, toChannelResponse(ch))
	}
	return c.JSON(http.StatusOK, items)
}

func (h *ChannelsHandler) Get(c echo.Context) error {
	if err := auth.RequireAdmin(c); err != nil {
		return err
	}
	cfg, err := h.store.GetChannel(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "channel not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, toChannelResponse(cfg))
}

func (h *ChannelsHandler) Create(c echo.Context) error {
	if err := auth.RequireAdmin(c); err != nil {
		return err
	}
	var req channelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	if strings.TrimSpace(req.AccountID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "account_id is required")
	}
	channelType := connector.ParseChannelType(req.ChannelType)
	if _, ok := h.registry.Get(channelType); !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "unsupported channel type: "+string(channelType))
	}
	mode := connector.ParseConnectionMode(req.Mode)

	disabled := false
	if req.Disabled != nil {
		disabled = *req.Disabled
	}
	cfg, err := h.store.CreateChannel(c.Request().Context(), store.CreateChannelParams{
		AccountID:   req.AccountID,
		ChannelType: string(channelType),
		Mode:        string(mode),
		Credentials: req.Credentials,
		Settings:    req.Settings,
		Disabled:    disabled,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	h.refresh(c)
	return c.JSON(http.StatusCreated, toChannelResponse(cfg))
}

func (h *ChannelsHandler) Update(c echo.Context) error {
	if err := auth.RequireAdmin(c); err != nil {
		return err
	}
	var req channelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cfg, err := h.store.UpdateChannel(c.Request().Context(), c.Param("id"), store.UpdateChannelParams{
		Credentials: req.Credentials,
		Settings:    req.Settings,
		Disabled:    req.Disabled,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "channel not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	h.refresh(c)
	return c.JSON(http.StatusOK, toChannelResponse(cfg))
}

func (h *ChannelsHandler) Delete(c echo.Context) error {
	if err := auth.RequireAdmin(c); err != nil {
		return err
	}
	if err := h.store.DeleteChannel(c.Request().Context(), c.Param("id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "channel not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	h.refresh(c)
	return c.NoContent(http.StatusNoContent)
}

// refresh reconciles connections right after a write instead of waiting
// for the next poll tick.
func (h *ChannelsHandler) refresh(c echo.Context) {
	if h.manager == nil {
		return
	}
	h.manager.Refresh(c.Request().Context())
}
