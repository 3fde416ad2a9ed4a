package api

import (
	"context"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// requestIDHeader carries the per-request correlation id.
const requestIDHeader = "X-Request-Id"

// requestID returns middleware that accepts a caller-supplied request id or
// generates one, echoing it on the response.
func requestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			id := c.Request().Header.Get(requestIDHeader)
			if id == "" || len(id) > 64 {
				id = uuid.New().String()
			}
			c.Response().Header().Set(requestIDHeader, id)
			c.Set("request_id", id)
			return next(c)
		}
	}
}

// tracing returns middleware that opens a server span per request. With no
// tracer provider registered the spans are no-op.
func tracing() echo.MiddlewareFunc {
	tracer := otel.Tracer("arion/api")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			req := c.Request()
			ctx, span := tracer.Start(req.Context(), req.Method+" "+req.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", req.Method),
					attribute.String("url.path", req.URL.Path),
				),
			)
			defer span.End()

			c.SetRequest(req.WithContext(ctx))
			err := next(c)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			if resp, uerr := echo.UnwrapResponse(c.Response()); uerr == nil {
				span.SetAttributes(attribute.Int("http.response.status_code", resp.Status))
			}
			return err
		}
	}
}

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			return next(c)
		}
	}
}

// cors returns middleware enforcing the configured origin allowlist. A "*"
// entry allows any origin. Preflight requests are answered without reaching
// the handler.
func cors(allowedOrigins []string) echo.MiddlewareFunc {
	allowAll := slices.Contains(allowedOrigins, "*")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			origin := c.Request().Header.Get("Origin")
			if origin == "" {
				return next(c)
			}

			h := c.Response().Header()
			h.Add("Vary", "Origin")
			if allowAll {
				h.Set("Access-Control-Allow-Origin", "*")
			} else if slices.Contains(allowedOrigins, origin) {
				h.Set("Access-Control-Allow-Origin", origin)
			} else {
				if c.Request().Method == http.MethodOptions {
					return c.NoContent(http.StatusNoContent)
				}
				return next(c)
			}
			h.Set("Access-Control-Allow-Headers",
				"Authorization, Content-Type, X-Tenant-Id, X-Tenant-Role, X-Request-Id")
			h.Set("Access-Control-Expose-Headers", "X-Request-Id, Retry-After")

			if c.Request().Method == http.MethodOptions {
				h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				h.Set("Access-Control-Max-Age", "600")
				return c.NoContent(http.StatusNoContent)
			}
			return next(c)
		}
	}
}

// bodyLimit caps request body size. limit uses echo syntax ("2M", "512K");
// unparseable limits disable the cap.
func bodyLimit(limit string) echo.MiddlewareFunc {
	max := parseByteSize(limit)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if max > 0 && c.Request().Body != nil {
				c.Request().Body = http.MaxBytesReader(c.Response(), c.Request().Body, max)
			}
			return next(c)
		}
	}
}

// parseByteSize parses "2M" / "512K" / "1024" into bytes. Zero on failure.
func parseByteSize(s string) int64 {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0
	}
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "G"):
		mult, s = 1<<30, strings.TrimSuffix(s, "G")
	case strings.HasSuffix(s, "M"):
		mult, s = 1<<20, strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "K"):
		mult, s = 1<<10, strings.TrimSuffix(s, "K")
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n <= 0 {
		return 0
	}
	return n * mult
}

// requestTimeout bounds non-streaming handler execution. Streaming endpoints
// are mounted outside this middleware and manage their own lifetimes.
func requestTimeout(d time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if d <= 0 {
				return next(c)
			}
			ctx, cancel := context.WithTimeout(c.Request().Context(), d)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// contextWithTimeout derives a bounded context from the request.
func contextWithTimeout(c *echo.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request().Context(), d)
}

// clientIP resolves the caller address, honoring the de-facto proxy headers.
func clientIP(c *echo.Context) string {
	if ip := c.Request().Header.Get("X-Forwarded-For"); ip != "" {
		if idx := strings.Index(ip, ","); idx >= 0 {
			ip = ip[:idx]
		}
		return strings.TrimSpace(ip)
	}
	if ip := c.Request().Header.Get("X-Real-Ip"); ip != "" {
		return ip
	}
	addr := c.Request().RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx >= 0 {
		return addr[:idx]
	}
	return addr
}
