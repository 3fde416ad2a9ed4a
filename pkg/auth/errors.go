package auth

import "errors"

var (
	// ErrInvalidToken covers malformed tokens, bad signatures, wrong
	// issuer/audience, and missing required claims.
	ErrInvalidToken = errors.New("invalid token")

	// ErrExpiredToken is returned when exp (plus skew) has passed.
	ErrExpiredToken = errors.New("token has expired")

	// ErrTokenNotYetValid is returned when nbf or iat lies beyond the skew
	// window in the future.
	ErrTokenNotYetValid = errors.New("token not yet valid")

	// ErrUnknownKeyID means the kid header names no configured key.
	ErrUnknownKeyID = errors.New("unknown signing key id")

	// ErrKeyNotYetActive means the token was minted with the staged next
	// key before rotation promoted it.
	ErrKeyNotYetActive = errors.New("signing key not yet active")

	// ErrNoActiveKey means the key set has no active signer configured.
	ErrNoActiveKey = errors.New("no active signing key configured")

	// ErrWrongTokenUse is returned when a non-access token hits the API.
	ErrWrongTokenUse = errors.New("wrong token use")

	// ErrServiceAccountNotAllowed rejects service-account subjects on
	// user-only endpoints.
	ErrServiceAccountNotAllowed = errors.New("service accounts not allowed on this endpoint")

	// ErrEmailNotVerified gates user endpoints when verification is required.
	ErrEmailNotVerified = errors.New("email not verified")

	// ErrTenantMismatch means the X-Tenant-Id header names a tenant the
	// user has no membership in.
	ErrTenantMismatch = errors.New("tenant membership mismatch")

	// ErrInsufficientRole means the membership role does not cover the
	// requested or required role.
	ErrInsufficientRole = errors.New("insufficient role")

	// ErrInsufficientScope means the token scopes fail the endpoint's
	// scope requirement.
	ErrInsufficientScope = errors.New("insufficient scope")
)
