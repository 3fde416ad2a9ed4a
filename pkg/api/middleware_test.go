package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	echo "github.com/labstack/echo/v5"

	"github.com/arion-ai/arion/pkg/models"
)

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"2M", 2 << 20},
		{"512K", 512 << 10},
		{"1G", 1 << 30},
		{"1024", 1024},
		{" 4m ", 4 << 20},
		{"", 0},
		{"abc", 0},
		{"-5M", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseByteSize(tt.in), "parseByteSize(%q)", tt.in)
	}
}

func middlewareEcho(mw echo.MiddlewareFunc) *echo.Echo {
	e := echo.New()
	e.GET("/ping", func(c *echo.Context) error {
		return c.String(http.StatusOK, "pong")
	}, mw)
	return e
}

func TestRequestID_EchoesCallerID(t *testing.T) {
	e := middlewareEcho(requestID())

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(requestIDHeader, "req-12345")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, "req-12345", rec.Header().Get(requestIDHeader))
}

func TestRequestID_GeneratesWhenMissingOrOversized(t *testing.T) {
	e := middlewareEcho(requestID())

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	generated := rec.Header().Get(requestIDHeader)
	_, err := uuid.Parse(generated)
	assert.NoError(t, err, "missing id is replaced with a uuid")

	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(requestIDHeader, strings.Repeat("x", 65))
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.NotEqual(t, strings.Repeat("x", 65), rec.Header().Get(requestIDHeader),
		"oversized ids are not echoed back")
}

func TestSecurityHeaders(t *testing.T) {
	e := middlewareEcho(securityHeaders())

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))

	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestCORS_AllowedOrigin(t *testing.T) {
	e := middlewareEcho(cors([]string{"https://app.arion.test"}))

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "https://app.arion.test")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://app.arion.test", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), "Retry-After")
}

func TestCORS_DisallowedOrigin(t *testing.T) {
	e := middlewareEcho(cors([]string{"https://app.arion.test"}))

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	// The request proceeds; the browser enforces the missing grant.
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORS_Preflight(t *testing.T) {
	e := echo.New()
	e.POST("/ping", func(c *echo.Context) error {
		return c.String(http.StatusOK, "pong")
	}, cors([]string{"*"}))
	e.OPTIONS("/ping", func(c *echo.Context) error {
		return c.String(http.StatusOK, "pong")
	}, cors([]string{"*"}))

	req := httptest.NewRequest(http.MethodOptions, "/ping", nil)
	req.Header.Set("Origin", "https://anywhere.example.com")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
}

func TestClientIP(t *testing.T) {
	e := echo.New()
	var got string
	e.GET("/ip", func(c *echo.Context) error {
		got = clientIP(c)
		return c.NoContent(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/ip", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	e.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "203.0.113.7", got)

	req = httptest.NewRequest(http.MethodGet, "/ip", nil)
	req.Header.Set("X-Real-Ip", "198.51.100.4")
	e.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "198.51.100.4", got)

	req = httptest.NewRequest(http.MethodGet, "/ip", nil)
	req.RemoteAddr = "192.0.2.9:41234"
	e.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "192.0.2.9", got)
}

func TestBodyLimit_RejectsOversizedBody(t *testing.T) {
	h := newHarness(t, func(d *Dependencies) {
		d.Config.Server.BodyLimit = "1K"
	})
	_, token := h.seedUser(t, "member@acme.test", models.RoleMember, "chat:*")

	rec := h.do(t, requestSpec{
		method: http.MethodPost, path: "/api/v1/chat",
		body:  `{"message":"` + strings.Repeat("a", 4096) + `"}`,
		token: token, tenant: h.tenantID,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
