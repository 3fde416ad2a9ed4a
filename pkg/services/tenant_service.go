// Package services contains business logic service layer implementations.
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/arion-ai/arion/pkg/database"
	"github.com/arion-ai/arion/pkg/models"
)

// TenantService resolves tenants, users, and memberships for the request
// gate. It also carries the provisioning operations the admin tooling and the
// test harness use to seed accounts.
type TenantService struct {
	db *database.Client
}

// NewTenantService creates a new TenantService
func NewTenantService(db *database.Client) *TenantService {
	return &TenantService{db: db}
}

// GetTenant fetches a tenant by id.
func (s *TenantService) GetTenant(httpCtx context.Context, tenantID string) (*models.Tenant, error) {
	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	var t models.Tenant
	err := s.db.GetContext(ctx, &t, `SELECT * FROM tenants WHERE id = $1`, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return &t, nil
}

// RequireActiveTenant fetches the tenant and rejects any non-active status.
// Every write path crosses this check before touching tenant data.
func (s *TenantService) RequireActiveTenant(ctx context.Context, tenantID string) (*models.Tenant, error) {
	t, err := s.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if t.Status != models.TenantActive {
		return nil, fmt.Errorf("%w: %s", ErrTenantSuspended, t.Status)
	}
	return t, nil
}

// GetUser fetches a user by id.
func (s *TenantService) GetUser(httpCtx context.Context, userID string) (*models.User, error) {
	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	var u models.User
	err := s.db.GetContext(ctx, &u, `SELECT * FROM users WHERE id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

// ResolveMembership returns the user's role in the tenant. A missing
// membership is ErrNotFound; callers surface it as forbidden, never as proof
// the tenant exists.
func (s *TenantService) ResolveMembership(httpCtx context.Context, tenantID, userID string) (*models.TenantMembership, error) {
	if tenantID == "" {
		return nil, NewValidationError("tenant_id", "required")
	}
	if userID == "" {
		return nil, NewValidationError("user_id", "required")
	}

	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	var m models.TenantMembership
	err := s.db.GetContext(ctx, &m, `
		SELECT * FROM tenant_memberships
		WHERE tenant_id = $1 AND user_id = $2`, tenantID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve membership: %w", err)
	}
	return &m, nil
}

// CreateTenant provisions a tenant in active status.
func (s *TenantService) CreateTenant(httpCtx context.Context, slug, name string) (*models.Tenant, error) {
	if slug == "" {
		return nil, NewValidationError("slug", "required")
	}

	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	var t models.Tenant
	err := s.db.GetContext(ctx, &t, `
		INSERT INTO tenants (id, slug, name, status)
		VALUES ($1, $2, $3, 'active')
		RETURNING *`, uuid.New().String(), slug, name)
	if isUniqueViolation(err) {
		return nil, ErrAlreadyExists
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create tenant: %w", err)
	}
	return &t, nil
}

// SetTenantStatus transitions the tenant lifecycle state, recording why.
func (s *TenantService) SetTenantStatus(httpCtx context.Context, tenantID string, status models.TenantStatus, reason string) error {
	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE tenants
		SET status = $1, status_reason = NULLIF($2, ''), status_updated_at = now()
		WHERE id = $3`, string(status), reason, tenantID)
	if err != nil {
		return fmt.Errorf("failed to update tenant status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateUser provisions a user account.
func (s *TenantService) CreateUser(httpCtx context.Context, email string, status models.UserStatus, emailVerified bool) (*models.User, error) {
	if email == "" {
		return nil, NewValidationError("email", "required")
	}

	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	var verifiedAt *time.Time
	if emailVerified {
		now := time.Now().UTC()
		verifiedAt = &now
	}

	var u models.User
	err := s.db.GetContext(ctx, &u, `
		INSERT INTO users (id, email, status, email_verified_at)
		VALUES ($1, $2, $3, $4)
		RETURNING *`, uuid.New().String(), email, string(status), verifiedAt)
	if isUniqueViolation(err) {
		return nil, ErrAlreadyExists
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return &u, nil
}

// AddMembership grants a user a role in a tenant.
func (s *TenantService) AddMembership(httpCtx context.Context, tenantID, userID string, role models.Role) (*models.TenantMembership, error) {
	if !role.Valid() {
		return nil, NewValidationError("role", "unknown role")
	}

	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	var m models.TenantMembership
	err := s.db.GetContext(ctx, &m, `
		INSERT INTO tenant_memberships (id, tenant_id, user_id, role)
		VALUES ($1, $2, $3, $4)
		RETURNING *`, uuid.New().String(), tenantID, userID, string(role))
	if isUniqueViolation(err) {
		return nil, ErrAlreadyExists
	}
	if err != nil {
		return nil, fmt.Errorf("failed to add membership: %w", err)
	}
	return &m, nil
}
