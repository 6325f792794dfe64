package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RefreshCredential is a persisted refresh token. Only the SHA-256 digest of
// the opaque secret is stored.
type RefreshCredential struct {
	TokenHash  string     `db:"token_hash" json:"-"`
	OwnerID    string     `db:"owner_id" json:"ownerId"`
	OwnerRole  Role       `db:"owner_role" json:"ownerRole"`
	DeviceID   string     `db:"device_id" json:"deviceId"`
	IssuedAt   time.Time  `db:"issued_at" json:"issuedAt"`
	ExpiresAt  time.Time  `db:"expires_at" json:"expiresAt"`
	IsRevoked  bool       `db:"is_revoked" json:"isRevoked"`
	RevokedAt  *time.Time `db:"revoked_at" json:"revokedAt,omitempty"`
	ReplacedBy *string    `db:"replaced_by" json:"-"`
}

// Owner returns the identity the credential was issued to.
func (c *RefreshCredential) Owner() IdentityRef {
	return IdentityRef{Role: c.OwnerRole, ID: c.OwnerID}
}

// ValidAt reports whether the credential is usable at now.
func (c *RefreshCredential) ValidAt(now time.Time) bool {
	return !c.IsRevoked && now.Before(c.ExpiresAt)
}

// TokenPair is the result of every successful issuance.
type TokenPair struct {
	AccessToken   string    `json:"accessToken"`
	RefreshToken  string    `json:"refreshToken"`
	AccessExpiry  time.Time `json:"accessExpiry"`
	RefreshExpiry time.Time `json:"refreshExpiry"`
}

// AccessClaims is the JWT payload of an access credential.
type AccessClaims struct {
	ID       string `json:"id"`
	Role     Role   `json:"role"`
	DeviceID string `json:"deviceId"`
	jwt.RegisteredClaims
}

// Ref returns the identity reference carried by the claims.
func (c *AccessClaims) Ref() IdentityRef {
	return IdentityRef{Role: c.Role, ID: c.ID}
}

// RefreshClaims is the resolved view of a valid refresh credential.
type RefreshClaims struct {
	OwnerID   string    `json:"ownerId"`
	Role      Role      `json:"role"`
	DeviceID  string    `json:"deviceId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Ref returns the identity reference carried by the claims.
func (c *RefreshClaims) Ref() IdentityRef {
	return IdentityRef{Role: c.Role, ID: c.OwnerID}
}

// RefreshRejection explains why a refresh credential was not accepted. It is
// for diagnostics only and must not reach clients.
type RefreshRejection string

const (
	RefreshOK       RefreshRejection = ""
	RefreshNotFound RefreshRejection = "not_found"
	RefreshRevoked  RefreshRejection = "revoked"
	RefreshExpired  RefreshRejection = "expired"
)

// RefreshVerification is the explicit outcome of a refresh credential lookup.
type RefreshVerification struct {
	Claims *RefreshClaims
	Reason RefreshRejection
}

// OK reports whether the credential was valid.
func (v RefreshVerification) OK() bool {
	return v.Reason == RefreshOK && v.Claims != nil
}
