// Package models defines the domain entities shared by stores, services, and
// the API layer. Structs carry both `db` tags (sqlx scanning) and `json` tags
// (API responses).
package models

import "time"

// TenantStatus gates all downstream operations; only active tenants accept new work.
type TenantStatus string

const (
	TenantActive         TenantStatus = "active"
	TenantSuspended      TenantStatus = "suspended"
	TenantDeprovisioning TenantStatus = "deprovisioning"
	TenantDeprovisioned  TenantStatus = "deprovisioned"
)

// Tenant is the unit of isolation. Every conversation, ledger event, and
// workflow run is owned by exactly one tenant.
type Tenant struct {
	ID              string       `db:"id" json:"id"`
	Slug            string       `db:"slug" json:"slug"`
	Name            string       `db:"name" json:"name"`
	Status          TenantStatus `db:"status" json:"status"`
	StatusUpdatedAt time.Time    `db:"status_updated_at" json:"status_updated_at"`
	StatusReason    *string      `db:"status_reason" json:"status_reason,omitempty"`
	CreatedAt       time.Time    `db:"created_at" json:"created_at"`
}

// UserStatus tracks account lifecycle.
type UserStatus string

const (
	UserPending  UserStatus = "pending"
	UserActive   UserStatus = "active"
	UserDisabled UserStatus = "disabled"
	UserLocked   UserStatus = "locked"
)

// User is a human principal. Service accounts never have a User row; their
// subjects carry the "service-account:" prefix and are rejected on user-only
// endpoints.
type User struct {
	ID              string     `db:"id" json:"id"`
	Email           string     `db:"email" json:"email"`
	Status          UserStatus `db:"status" json:"status"`
	EmailVerifiedAt *time.Time `db:"email_verified_at" json:"email_verified_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
}

// Role is a tenant membership role. Higher roles include all lower ones.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

// roleRank orders roles for hierarchy checks. Unknown roles rank below viewer.
var roleRank = map[Role]int{
	RoleViewer: 1,
	RoleMember: 2,
	RoleAdmin:  3,
	RoleOwner:  4,
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// AtLeast reports whether r grants everything `min` grants (owner ≥ admin ≥ member ≥ viewer).
func (r Role) AtLeast(min Role) bool {
	return roleRank[r] >= roleRank[min]
}

// TenantMembership links a user to a tenant with a role.
type TenantMembership struct {
	ID        string    `db:"id" json:"id"`
	TenantID  string    `db:"tenant_id" json:"tenant_id"`
	UserID    string    `db:"user_id" json:"user_id"`
	Role      Role      `db:"role" json:"role"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
