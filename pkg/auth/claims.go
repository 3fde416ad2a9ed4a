// Package auth implements bearer token verification against a rotatable
// key set, tenant context resolution, scope checks, and request rate limiting.
package auth

import (
	"strings"

	"github.com/golang-jwt/jwt/v4"
)

// TokenUse distinguishes the token families minted by the issuer. Only
// access tokens are accepted at the API boundary.
type TokenUse string

const (
	TokenUseAccess       TokenUse = "access"
	TokenUseRefresh      TokenUse = "refresh"
	TokenUseMFAChallenge TokenUse = "mfa_challenge"
)

// Subject prefixes. Human principals carry "user:", machine principals
// "service-account:".
const (
	userSubjectPrefix    = "user:"
	serviceSubjectPrefix = "service-account:"
)

// SupportScopePrefix marks platform operator scopes. It is never matched
// implicitly by wildcard expansion; callers check it explicitly.
const SupportScopePrefix = "support:"

// Claims is the access token payload.
type Claims struct {
	jwt.RegisteredClaims

	TokenUse      TokenUse `json:"token_use"`
	Email         string   `json:"email,omitempty"`
	EmailVerified *bool    `json:"email_verified,omitempty"`
	Scopes        []string `json:"scopes,omitempty"`
}

// UserID returns the bare user id when the subject is a user principal.
func (c *Claims) UserID() (string, bool) {
	if strings.HasPrefix(c.Subject, userSubjectPrefix) {
		return strings.TrimPrefix(c.Subject, userSubjectPrefix), true
	}
	return "", false
}

// IsServiceAccount reports whether the subject is a machine principal.
func (c *Claims) IsServiceAccount() bool {
	return strings.HasPrefix(c.Subject, serviceSubjectPrefix)
}

// IsSupport reports whether the token carries any platform operator scope.
// Support scopes opt callers into explicit checks only.
func (c *Claims) IsSupport() bool {
	for _, s := range c.Scopes {
		if strings.HasPrefix(s, SupportScopePrefix) {
			return true
		}
	}
	return false
}

// HasScope reports whether the token grants scope. A granted "ns:*"
// wildcard matches any scope in that namespace, except the reserved
// support namespace which never matches implicitly.
func (c *Claims) HasScope(scope string) bool {
	if strings.HasPrefix(scope, SupportScopePrefix) {
		// Support scopes require an exact grant.
		for _, granted := range c.Scopes {
			if granted == scope {
				return true
			}
		}
		return false
	}

	ns := scopeNamespace(scope)
	for _, granted := range c.Scopes {
		if granted == scope {
			return true
		}
		if strings.HasSuffix(granted, ":*") &&
			!strings.HasPrefix(granted, SupportScopePrefix) &&
			scopeNamespace(granted) == ns {
			return true
		}
	}
	return false
}

func scopeNamespace(scope string) string {
	if idx := strings.Index(scope, ":"); idx >= 0 {
		return scope[:idx]
	}
	return scope
}

// ScopeRequirement expresses an endpoint's scope contract: every scope in
// All plus at least one in Any (when Any is non-empty).
type ScopeRequirement struct {
	All []string
	Any []string
}

// Satisfies evaluates req against the token's granted scopes.
func (c *Claims) Satisfies(req ScopeRequirement) bool {
	for _, s := range req.All {
		if !c.HasScope(s) {
			return false
		}
	}
	if len(req.Any) == 0 {
		return true
	}
	for _, s := range req.Any {
		if c.HasScope(s) {
			return true
		}
	}
	return false
}
