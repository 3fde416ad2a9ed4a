package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/arion-ai/arion/pkg/auth"
	"github.com/arion-ai/arion/pkg/config"
	"github.com/arion-ai/arion/pkg/models"
	"github.com/arion-ai/arion/pkg/observability"
	"github.com/arion-ai/arion/pkg/services"
	"github.com/arion-ai/arion/pkg/usage"
)

// Tenant context headers.
const (
	tenantIDHeader   = "X-Tenant-Id"
	tenantRoleHeader = "X-Tenant-Role"
)

// gate is the auth, tenant, and quota boundary in front of every API route.
// Handlers behind it may assume a verified caller, an active tenant, and
// passing rate limit checks.
type gate struct {
	verifier  *auth.Verifier
	limiter   auth.Limiter
	tenants   *services.TenantService
	usageGate *usage.Gate
	authCfg   *config.AuthConfig
	rateCfg   *config.RateLimitConfig
	metrics   *observability.Metrics
}

// authenticate verifies the bearer token, resolves the tenant context from
// headers against the caller's membership, and applies the configured rate
// limit quotas. The resolved identity lands on the request context.
func (g *gate) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		raw, ok := bearerToken(c.Request())
		if !ok {
			return unauthenticated(c, "missing bearer token")
		}
		claims, err := g.verifier.VerifyAccessToken(raw)
		if err != nil {
			return unauthenticated(c, "invalid access token")
		}

		id := &auth.Identity{
			Subject:        claims.Subject,
			ServiceAccount: claims.IsServiceAccount(),
			Email:          claims.Email,
			EmailVerified:  claims.EmailVerified,
			Scopes:         claims.Scopes,
			RequestID:      requestIDFrom(c),
			ClientIP:       clientIP(c),
		}
		if userID, isUser := claims.UserID(); isUser {
			id.UserID = userID
		}

		tenantID := c.Request().Header.Get(tenantIDHeader)
		if tenantID == "" {
			return apiError(c, http.StatusForbidden, codeForbidden, "X-Tenant-Id header is required")
		}
		id.TenantID = tenantID

		if _, err := g.tenants.RequireActiveTenant(c.Request().Context(), tenantID); err != nil {
			return mapServiceError(c, err)
		}

		// Service accounts have no membership rows; their role comes from
		// scopes alone and defaults to viewer.
		role := models.RoleViewer
		if !id.ServiceAccount {
			if id.UserID == "" {
				return apiError(c, http.StatusForbidden, codeForbidden, "unsupported principal type")
			}
			membership, err := g.tenants.ResolveMembership(c.Request().Context(), tenantID, id.UserID)
			if errors.Is(err, services.ErrNotFound) {
				return apiError(c, http.StatusForbidden, codeForbidden, "not a member of this tenant")
			}
			if err != nil {
				return mapServiceError(c, err)
			}
			role = membership.Role
		}

		// The header role, when present, must not exceed the membership role;
		// it can only narrow what this request acts as.
		if headerRole := c.Request().Header.Get(tenantRoleHeader); headerRole != "" {
			requested := models.Role(headerRole)
			if !requested.Valid() {
				return apiError(c, http.StatusBadRequest, codeValidation, "invalid X-Tenant-Role")
			}
			if !role.AtLeast(requested) {
				return apiError(c, http.StatusForbidden, codeForbidden, "requested role exceeds membership")
			}
			role = requested
		}
		id.Role = role

		if err := g.applyRateLimits(c, id); err != nil {
			return err
		}

		c.SetRequest(c.Request().WithContext(auth.WithIdentity(c.Request().Context(), id)))
		return next(c)
	}
}

// applyRateLimits evaluates every configured quota matching the route. The
// first exhausted quota rejects with Retry-After.
func (g *gate) applyRateLimits(c *echo.Context, id *auth.Identity) error {
	if g.limiter == nil || g.rateCfg == nil || g.rateCfg.RateLimitDisabled() {
		return nil
	}
	path := c.Request().URL.Path
	for _, quota := range g.rateCfg.Quotas {
		if !quotaMatches(quota, path) {
			continue
		}
		key := auth.QuotaKey(quota, id.ClientIP, id.UserID, id.TenantID)
		decision, err := g.limiter.Allow(c.Request().Context(), quota, key)
		if err != nil {
			// Limiter outages fail open; quota enforcement is not worth an
			// availability dependency on redis.
			continue
		}
		if decision.Allowed {
			g.metrics.RateLimitDecision(c.Request().Context(), "allowed")
			continue
		}
		g.metrics.RateLimitDecision(c.Request().Context(), "limited")
		retry := int(decision.RetryAfter / time.Second)
		if retry < 1 {
			retry = 1
		}
		c.Response().Header().Set("Retry-After", strconv.Itoa(retry))
		return apiErrorDetails(c, http.StatusTooManyRequests, codeRateLimited,
			fmt.Sprintf("rate limit %s exceeded", decision.Quota),
			map[string]any{
				"quota":       decision.Quota,
				"limit":       decision.Limit,
				"retry_after": retry,
			})
	}
	return nil
}

// quotaMatches reports whether the quota applies to the request path.
func quotaMatches(quota config.QuotaConfig, path string) bool {
	if len(quota.Routes) == 0 {
		return true
	}
	for _, prefix := range quota.Routes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// require returns per-route middleware enforcing a minimum role and an
// optional scope requirement. Roles at or above member imply a user
// principal with a verified email (when verification is configured).
func (g *gate) require(min models.Role, scopes auth.ScopeRequirement) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			id, ok := auth.IdentityFrom(c.Request().Context())
			if !ok {
				return unauthenticated(c, "missing identity")
			}
			if min.AtLeast(models.RoleMember) {
				if id.ServiceAccount {
					return apiError(c, http.StatusForbidden, codeForbidden,
						"service accounts cannot perform this operation")
				}
				if g.authCfg.RequireEmailVerification() &&
					id.EmailVerified != nil && !*id.EmailVerified {
					return apiError(c, http.StatusForbidden, codeForbidden, "email verification required")
				}
			}
			if !id.Role.AtLeast(min) {
				return apiError(c, http.StatusForbidden, codeForbidden,
					fmt.Sprintf("requires %s role", min))
			}
			if len(scopes.All) > 0 || len(scopes.Any) > 0 {
				claims := &auth.Claims{Scopes: id.Scopes}
				if !claims.Satisfies(scopes) {
					return apiError(c, http.StatusForbidden, codeForbidden, "insufficient scope")
				}
			}
			return next(c)
		}
	}
}

// usageGuard returns per-route middleware evaluating the plan usage gate for
// feature. Hard limits deny with 429 details; soft limits mark the response
// and proceed.
func (g *gate) usageGuard(feature string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if g.usageGate == nil {
				return next(c)
			}
			id, ok := auth.IdentityFrom(c.Request().Context())
			if !ok {
				return unauthenticated(c, "missing identity")
			}
			decision, err := g.usageGate.Evaluate(c.Request().Context(), id.TenantID, feature, time.Now())
			if err != nil {
				if errors.Is(err, usage.ErrPolicyMisconfigured) {
					return apiError(c, http.StatusPaymentRequired, codePaymentRequired,
						"usage policy misconfigured for this plan")
				}
				return mapServiceError(c, err)
			}
			g.metrics.UsageGateDecision(c.Request().Context(), string(decision.Outcome), string(decision.Metric))
			switch decision.Outcome {
			case usage.OutcomeSoftLimit:
				c.Response().Header().Set("X-Usage-Soft-Limit", decision.Feature)
			case usage.OutcomeHardLimit:
				c.Response().Header().Set("Retry-After", "60")
				return apiErrorDetails(c, http.StatusTooManyRequests, codeUsageLimitExceeded,
					fmt.Sprintf("usage limit for %s exceeded", decision.Feature),
					map[string]any{
						"feature": decision.Feature,
						"metric":  string(decision.Metric),
						"limit":   decision.Limit,
						"current": decision.Current,
						"window":  decision.Window,
					})
			}
			return next(c)
		}
	}
}

// bearerToken extracts the token from the Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return header[len(prefix):], true
}

// unauthenticated writes a 401 with the WWW-Authenticate challenge.
func unauthenticated(c *echo.Context, message string) error {
	c.Response().Header().Set("WWW-Authenticate", "Bearer")
	return apiError(c, http.StatusUnauthorized, codeUnauthenticated, message)
}

// requestIDFrom reads the id stamped by the requestID middleware.
func requestIDFrom(c *echo.Context) string {
	if id, ok := c.Get("request_id").(string); ok {
		return id
	}
	return ""
}
