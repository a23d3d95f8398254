package auth_test

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	auth "github.com/hotelier/go-authcore"
)

func TestCookieSettingsFromOptions(t *testing.T) {
	opts := auth.DefaultOptions()
	opts.Cookies.Domain = "hotel.example"
	opts.Cookies.Secure = false
	opts.Cookies.SameSite = "Strict"
	opts.RefreshTokenTTL = 48 * time.Hour

	s := auth.CookieSettingsFromOptions(opts)
	assert.Equal(t, "hotel.example", s.Domain)
	assert.Equal(t, "/", s.Path)
	assert.Equal(t, "/api/auth", s.RefreshPath)
	assert.False(t, s.Secure)
	assert.Equal(t, "Strict", s.SameSite)
	assert.Equal(t, 48*time.Hour, s.RefreshTTL)

	assert.Equal(t, auth.DefaultCookieSettings(), auth.CookieSettingsFromOptions(nil))
}

func TestSetAndClearSession(t *testing.T) {
	settings := auth.DefaultCookieSettings()
	grant := &auth.SessionGrant{
		AccessToken:  "access",
		RefreshToken: "refresh",
		Claims:       &auth.AccessClaims{},
		Identity:     &auth.Identity{ID: uuid.New()},
	}

	app := fiber.New()
	app.Get("/set", func(c *fiber.Ctx) error {
		settings.SetSession(c, grant)
		return c.SendStatus(fiber.StatusNoContent)
	})
	app.Get("/clear", func(c *fiber.Ctx) error {
		settings.ClearSession(c)
		return c.SendStatus(fiber.StatusNoContent)
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/set", nil))
	require.NoError(t, err)
	cookies := map[string]*http.Cookie{}
	for _, c := range resp.Cookies() {
		cookies[c.Name] = c
	}
	require.Contains(t, cookies, auth.AccessTokenCookie)
	require.Contains(t, cookies, auth.RefreshTokenCookie)
	for _, c := range cookies {
		assert.True(t, c.HttpOnly, c.Name)
		assert.True(t, c.Secure, c.Name)
		assert.Equal(t, http.SameSiteLaxMode, c.SameSite, c.Name)
	}
	assert.Equal(t, "access", cookies[auth.AccessTokenCookie].Value)
	assert.Equal(t, "/api/auth", cookies[auth.RefreshTokenCookie].Path)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/clear", nil))
	require.NoError(t, err)
	require.Len(t, resp.Cookies(), 2)
	for _, c := range resp.Cookies() {
		assert.Empty(t, c.Value)
		assert.True(t, c.Expires.Before(time.Now()))
	}
}

func TestWriteError(t *testing.T) {
	app := fiber.New()
	app.Get("/forbidden", func(c *fiber.Ctx) error {
		return auth.WriteError(c, auth.NewForbiddenError("tenant:rooms:update"))
	})
	app.Get("/internal", func(c *fiber.Ctx) error {
		return auth.WriteError(c, errors.New("pq: connection refused"))
	})

	decode := func(resp *http.Response) auth.ErrorResponse {
		raw, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		var out auth.ErrorResponse
		require.NoError(t, json.Unmarshal(raw, &out))
		return out
	}

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/forbidden", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	body := decode(resp)
	assert.Equal(t, auth.TextCodeForbidden, body.Error.Code)
	assert.Equal(t, "tenant:rooms:update", body.Error.Metadata["permission"])

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/internal", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	body = decode(resp)
	assert.Equal(t, auth.TextCodeStoreFailure, body.Error.Code)
	assert.NotContains(t, body.Error.Message, "pq")
}
