package middleware

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"grouper_server/core/port/out"
	"grouper_server/core/service/extraction"
	"grouper_server/pkg/apperr"
	"grouper_server/pkg/response"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func newApp(handlers ...fiber.Handler) *fiber.App {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler()})
	app.Use(RequestID())
	chain := append(handlers, func(c *fiber.Ctx) error {
		uid, _ := c.Locals("user_id").(uuid.UUID)
		return c.SendString(uid.String())
	})
	app.Get("/", chain...)
	return app
}

func decode(t *testing.T, resp *http.Response) response.Response {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var r response.Response
	require.NoError(t, json.Unmarshal(body, &r))
	return r
}

func TestJWTAuth(t *testing.T) {
	userID := uuid.New()
	valid := jwt.MapClaims{
		"sub": userID.String(),
		"exp": time.Now().Add(time.Hour).Unix(),
		"iat": time.Now().Unix(),
	}

	tests := []struct {
		name   string
		header string
		status int
		code   string
	}{
		{"valid", "Bearer " + signToken(t, valid), http.StatusOK, ""},
		{"missing header", "", http.StatusUnauthorized, apperr.CodeUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized, apperr.CodeUnauthorized},
		{"expired", "Bearer " + signToken(t, jwt.MapClaims{
			"sub": userID.String(),
			"exp": time.Now().Add(-time.Hour).Unix(),
		}), http.StatusUnauthorized, apperr.CodeInvalidToken},
		{"no expiry", "Bearer " + signToken(t, jwt.MapClaims{"sub": userID.String()}), http.StatusUnauthorized, apperr.CodeInvalidToken},
		{"bad subject", "Bearer " + signToken(t, jwt.MapClaims{
			"sub": "not-a-uuid",
			"exp": time.Now().Add(time.Hour).Unix(),
		}), http.StatusUnauthorized, apperr.CodeInvalidToken},
	}

	app := newApp(JWTAuth(AuthConfig{Secret: testSecret}))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
			if tt.code != "" {
				r := decode(t, resp)
				require.NotNil(t, r.Error)
				assert.Equal(t, tt.code, r.Error.Code)
				assert.NotEmpty(t, r.RequestID)
				return
			}
			body, _ := io.ReadAll(resp.Body)
			assert.Equal(t, userID.String(), string(body))
		})
	}
}

func TestAdminOnly(t *testing.T) {
	app := newApp(JWTAuth(AuthConfig{Secret: testSecret}), AdminOnly())
	base := func(extra jwt.MapClaims) string {
		c := jwt.MapClaims{"sub": uuid.NewString(), "exp": time.Now().Add(time.Hour).Unix()}
		for k, v := range extra {
			c[k] = v
		}
		return signToken(t, c)
	}

	tests := []struct {
		name   string
		token  string
		status int
	}{
		{"top level role", base(jwt.MapClaims{"role": "admin"}), http.StatusOK},
		{"app metadata role", base(jwt.MapClaims{"app_metadata": map[string]any{"role": "admin"}}), http.StatusOK},
		{"plain user", base(jwt.MapClaims{"role": "authenticated"}), http.StatusForbidden},
		{"no role", base(nil), http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", "Bearer "+tt.token)
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestErrorHandlerMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		status     int
		code       string
		retryAfter string
	}{
		{"app error", apperr.NotFound("project proj_x"), http.StatusNotFound, apperr.CodeNotFound, ""},
		{"fiber error", fiber.ErrMethodNotAllowed, http.StatusMethodNotAllowed, apperr.CodeInternalError, ""},
		{"rate limited provider", &out.ProviderError{
			Provider: "gmail", Code: out.ProviderErrRateLimit, RetryAfter: 30 * time.Second,
		}, http.StatusTooManyRequests, apperr.CodeRateLimited, "30"},
		{"quota provider", &out.ProviderError{Provider: "gmail", Code: out.ProviderErrQuotaExceeded},
			http.StatusServiceUnavailable, apperr.CodeQuotaExceeded, ""},
		{"other provider", &out.ProviderError{Provider: "gmail", Code: out.ProviderErrServer},
			http.StatusBadGateway, apperr.CodeExternalError, ""},
		{"extraction", &extraction.ExtractionError{EmailID: "m1", Err: errors.New("bad json")},
			http.StatusUnprocessableEntity, apperr.CodeExtractionFailed, ""},
		{"repository not found", out.ErrNotFound, http.StatusNotFound, apperr.CodeNotFound, ""},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, apperr.CodeInternalError, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newApp(func(c *fiber.Ctx) error { return tt.err })
			resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.retryAfter, resp.Header.Get("Retry-After"))
			r := decode(t, resp)
			assert.False(t, r.Success)
			require.NotNil(t, r.Error)
			assert.Equal(t, tt.code, r.Error.Code)
		})
	}
}

func TestRecoverAndRequestLogger(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler()})
	app.Use(RequestID(), RequestLogger(), Recover())
	app.Get("/panic", func(c *fiber.Ctx) error { panic("kaboom") })
	app.Get("/fail", func(c *fiber.Ctx) error { return apperr.Conflict("already cancelled") })

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/panic", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/fail", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, apperr.CodeConflict, decode(t, resp).Error.Code)
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	ok, remaining, _ := rl.Allow("u1")
	assert.True(t, ok)
	assert.Equal(t, 1, remaining)
	ok, remaining, _ = rl.Allow("u1")
	assert.True(t, ok)
	assert.Equal(t, 0, remaining)
	ok, _, reset := rl.Allow("u1")
	assert.False(t, ok)
	assert.True(t, now.Add(time.Minute).Equal(reset))

	ok, _, _ = rl.Allow("u2")
	assert.True(t, ok, "budgets are per caller")

	now = now.Add(time.Minute)
	ok, _, _ = rl.Allow("u1")
	assert.True(t, ok, "a new window starts fresh")
}

func TestRateLimiterHandler(t *testing.T) {
	app := newApp(NewRateLimiter(1, time.Minute).Handler())

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

type denyAfter struct {
	allowed int
	calls   int
}

func (d *denyAfter) Allow(context.Context, string) (bool, time.Duration) {
	d.calls++
	if d.calls > d.allowed {
		return false, 30 * time.Second
	}
	return true, 0
}

func TestRateLimiterSharedLimit(t *testing.T) {
	shared := &denyAfter{allowed: 1}
	app := newApp(NewRateLimiter(10, time.Minute).WithShared(shared).Handler())

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "30", resp.Header.Get("Retry-After"))
	assert.Equal(t, 2, shared.calls)
}
