package models

import "time"

// Role identifies the identity space a principal belongs to.
type Role string

const (
	RoleOwner Role = "owner"
	RoleAdmin Role = "admin"
	RoleGuest Role = "guest"
)

// CanAuthenticate reports whether tokens may be issued for r.
func (r Role) CanAuthenticate() bool {
	return r == RoleOwner || r == RoleAdmin
}

// IdentityRef is a tagged reference into one of the disjoint identity spaces.
// Owner and admin ids are not mutually exclusive, so the tag is part of the key.
type IdentityRef struct {
	Role Role   `json:"role"`
	ID   string `json:"id"`
}

// OwnerRef builds a reference into the owner space.
func OwnerRef(id string) IdentityRef { return IdentityRef{Role: RoleOwner, ID: id} }

// AdminRef builds a reference into the admin space.
func AdminRef(id string) IdentityRef { return IdentityRef{Role: RoleAdmin, ID: id} }

// String renders the reference as role:id.
func (r IdentityRef) String() string {
	return string(r.Role) + ":" + r.ID
}

// Identity is the subset of an owner or admin account this service needs.
type Identity struct {
	ID           string    `db:"id" json:"id"`
	Email        string    `db:"email" json:"email"`
	PasswordHash string    `db:"password_hash" json:"-"`
	FullName     string    `db:"full_name" json:"fullName"`
	Active       bool      `db:"active" json:"isActive"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time `db:"updated_at" json:"updatedAt"`
}

// Principal is the resolved caller attached to a request by the session gate.
type Principal struct {
	ID       string `json:"id"`
	Role     Role   `json:"role"`
	DeviceID string `json:"deviceId"`
}

// Ref returns the principal's identity reference.
func (p *Principal) Ref() IdentityRef {
	return IdentityRef{Role: p.Role, ID: p.ID}
}
