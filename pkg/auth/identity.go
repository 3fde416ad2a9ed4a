package auth

import (
	"context"

	"github.com/arion-ai/arion/pkg/models"
)

// Identity is the resolved caller after the gate: verified claims plus the
// tenant context from headers, cross-checked against membership.
type Identity struct {
	Subject        string
	UserID         string
	ServiceAccount bool
	Email          string
	EmailVerified  *bool
	Scopes         []string

	TenantID string
	Role     models.Role

	RequestID string
	ClientIP  string
}

// Actor returns the (tenant, user) pair services key ownership by.
func (id *Identity) Actor() (tenantID, userID string) {
	return id.TenantID, id.UserID
}

type identityCtxKey struct{}

// WithIdentity stores id on the context for downstream services.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityCtxKey{}, id)
}

// IdentityFrom retrieves the identity stored by the gate middleware.
func IdentityFrom(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityCtxKey{}).(*Identity)
	return id, ok
}
