package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/arion-ai/arion/pkg/config"
)

// Verifier validates access tokens against the configured key set, issuer,
// and audience, with a bounded clock skew tolerance.
type Verifier struct {
	keys     *KeySet
	issuer   string
	audience string
	skew     time.Duration
	parser   *jwt.Parser
}

// NewVerifier builds a Verifier from auth configuration.
func NewVerifier(cfg config.AuthConfig) *Verifier {
	return &Verifier{
		keys:     NewKeySet(cfg.Keys),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		skew:     cfg.ClockSkew,
		// Claims are validated manually below so the skew tolerance
		// applies uniformly to exp, iat, and nbf.
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithoutClaimsValidation(),
		),
	}
}

// KeySet exposes the underlying keys for token minting in development and
// tests.
func (v *Verifier) KeySet() *KeySet {
	return v.keys
}

// VerifyAccessToken parses and validates raw, returning its claims.
func (v *Verifier) VerifyAccessToken(raw string) (*Claims, error) {
	token, err := v.parser.ParseWithClaims(raw, &Claims{}, v.keys.keyFunc)
	if err != nil {
		switch {
		case errors.Is(err, ErrKeyNotYetActive):
			return nil, ErrKeyNotYetActive
		case errors.Is(err, ErrUnknownKeyID):
			return nil, ErrUnknownKeyID
		default:
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, ErrInvalidToken
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	}
	if claims.TokenUse == "" {
		return nil, fmt.Errorf("%w: missing token_use claim", ErrInvalidToken)
	}
	if claims.TokenUse != TokenUseAccess {
		return nil, fmt.Errorf("%w: %s", ErrWrongTokenUse, claims.TokenUse)
	}
	if claims.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: missing exp claim", ErrInvalidToken)
	}
	if claims.IssuedAt == nil {
		return nil, fmt.Errorf("%w: missing iat claim", ErrInvalidToken)
	}

	now := time.Now()
	if !claims.VerifyExpiresAt(now.Add(-v.skew), true) {
		return nil, ErrExpiredToken
	}
	if !claims.VerifyIssuedAt(now.Add(v.skew), true) {
		return nil, fmt.Errorf("%w: iat in the future", ErrTokenNotYetValid)
	}
	if !claims.VerifyNotBefore(now.Add(v.skew), false) {
		return nil, fmt.Errorf("%w: nbf not reached", ErrTokenNotYetValid)
	}
	if !claims.VerifyIssuer(v.issuer, true) {
		return nil, fmt.Errorf("%w: issuer mismatch", ErrInvalidToken)
	}
	if !claims.VerifyAudience(v.audience, true) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrInvalidToken)
	}

	return claims, nil
}
