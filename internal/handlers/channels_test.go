package handlers

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/courierai/courier/internal/connector"
)

type testValidator struct {
	validate *validator.Validate
}

func (v *testValidator) Validate(i any) error {
	if err := v.validate.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

type fakeTypeChecker struct {
	types map[connector.ChannelType]struct{}
}

func (f *fakeTypeChecker) Get(t connector.ChannelType) (connector.Adapter, bool) {
	_, ok := f.types[t]
	return nil, ok
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func adminContext(e *echo.Echo, method, path, body string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("user", &jwt.Token{
		Valid:  true,
		Claims: jwt.MapClaims{"sub": "admin", "role": "admin"},
	})
	return c, rec
}

func testChannelsHandler() (*ChannelsHandler, *echo.Echo) {
	e := echo.New()
	e.Validator = &testValidator{validate: validator.New()}
	checker := &fakeTypeChecker{types: map[connector.ChannelType]struct{}{
		connector.ChannelTelegram: {},
		connector.ChannelDiscord:  {},
	}}
	return NewChannelsHandler(testLogger(), nil, nil, checker), e
}

func TestChannelsCreateRejectsUnregisteredType(t *testing.T) {
	t.Parallel()

	h, e := testChannelsHandler()
	c, _ := adminContext(e, http.MethodPost, "/api/channels",
		`{"account_id":"acc-1","channel_type":"carrier-pigeon"}`)

	err := h.Create(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected HTTP error, got %v", err)
	}
	if httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", httpErr.Code)
	}
	if !strings.Contains(httpErr.Message.(string), "unsupported channel type") {
		t.Fatalf("unexpected message %v", httpErr.Message)
	}
}

func TestChannelsCreateNormalizesTypeBeforeLookup(t *testing.T) {
	t.Parallel()

	e := echo.New()
	e.Validator = &testValidator{validate: validator.New()}
	h := NewChannelsHandler(testLogger(), nil, nil,
		&fakeTypeChecker{types: map[connector.ChannelType]struct{}{}})
	c, _ := adminContext(e, http.MethodPost, "/api/channels",
		`{"account_id":"acc-1","channel_type":"  Telegram "}`)

	err := h.Create(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected HTTP error, got %v", err)
	}
	// The rejected name is trimmed and lowercased before the lookup.
	if !strings.Contains(httpErr.Message.(string), "unsupported channel type: telegram") {
		t.Fatalf("unexpected message %v", httpErr.Message)
	}
}

func TestChannelsCreateRequiresAdmin(t *testing.T) {
	t.Parallel()

	h, e := testChannelsHandler()
	req := httptest.NewRequest(http.MethodPost, "/api/channels",
		strings.NewReader(`{"account_id":"acc-1","channel_type":"telegram"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())

	err := h.Create(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected HTTP error, got %v", err)
	}
	if httpErr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", httpErr.Code)
	}
}

func TestChannelsCreateRejectsMissingFields(t *testing.T) {
	t.Parallel()

	h, e := testChannelsHandler()
	c, _ := adminContext(e, http.MethodPost, "/api/channels", `{"channel_type":"telegram"}`)

	err := h.Create(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected HTTP error, got %v", err)
	}
	if httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", httpErr.Code)
	}
}
