package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v4"

	"github.com/arion-ai/arion/pkg/config"
)

// KeySet resolves HS256 signing keys by kid. Rotation model: tokens are
// minted with the active key; tokens minted with the previous key verify
// during the grace window; the staged next key is rejected until promoted.
type KeySet struct {
	active   *config.SigningKeyConfig
	next     *config.SigningKeyConfig
	previous *config.SigningKeyConfig
}

// NewKeySet builds a KeySet from configuration.
func NewKeySet(cfg config.KeySetConfig) *KeySet {
	return &KeySet{
		active:   cfg.Active,
		next:     cfg.Next,
		previous: cfg.Previous,
	}
}

// Sign mints a token with the active key, stamping its kid in the header.
func (ks *KeySet) Sign(claims *Claims) (string, error) {
	if ks.active == nil {
		return "", ErrNoActiveKey
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = ks.active.KID
	signed, err := token.SignedString([]byte(ks.active.Secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// keyFunc routes verification by the kid header. jwt wraps returned errors
// so callers can still errors.Is against the sentinels.
func (ks *KeySet) keyFunc(token *jwt.Token) (interface{}, error) {
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, fmt.Errorf("%w: missing kid header", ErrUnknownKeyID)
	}
	switch {
	case ks.active != nil && kid == ks.active.KID:
		return []byte(ks.active.Secret), nil
	case ks.previous != nil && kid == ks.previous.KID:
		return []byte(ks.previous.Secret), nil
	case ks.next != nil && kid == ks.next.KID:
		return nil, fmt.Errorf("%w: %s", ErrKeyNotYetActive, kid)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKeyID, kid)
	}
}
