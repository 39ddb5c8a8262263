package handlers

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/courierai/courier/internal/auth"
	"github.com/courierai/courier/internal/config"
)

type TokenHandler struct {
	logger *slog.Logger
	cfg    config.AuthConfig
}

func NewTokenHandler(log *slog.Logger, cfg config.AuthConfig) *TokenHandler {
	return &TokenHandler{
		logger: log.With(slog.String("handler", "token")),
		cfg:    cfg,
	}
}

func (h *TokenHandler) Register(e *echo.Echo) {
	e.POST("/api/auth/token", h.Issue)
}

type tokenRequest struct {
	User   string `json:"user" validate:"required"`
	Secret string `json:"secret" validate:"required"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *TokenHandler) Issue(c echo.Context) error {
	var req tokenRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	if h.cfg.AdminSecret == "" {
		return echo.NewHTTPError(http.StatusForbidden, "token issuance disabled")
	}
	userOK := subtle.ConstantTimeCompare([]byte(req.User), []byte(h.cfg.AdminUser)) == 1
	secretOK := subtle.ConstantTimeCompare([]byte(req.Secret), []byte(h.cfg.AdminSecret)) == 1
	if !userOK || !secretOK {
		h.logger.Warn("token issuance rejected", slog.String("user", req.User))
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}

	expiresIn, err := time.ParseDuration(h.cfg.JWTExpiresIn)
	if err != nil || expiresIn <= 0 {
		expiresIn = 24 * time.Hour
	}
	token, expiresAt, err := auth.GenerateToken(req.User, h.cfg.JWTSecret, expiresIn)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, tokenResponse{Token: token, ExpiresAt: expiresAt})
}
