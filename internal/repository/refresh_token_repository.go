package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vnipet/device-auth/internal/models"
)

const refreshColumns = `token_hash, owner_id, owner_role, device_id, issued_at, expires_at, is_revoked, revoked_at, replaced_by`

// RefreshTokenRepository persists refresh credentials keyed by token digest.
type RefreshTokenRepository struct {
	db *sqlx.DB
}

// NewRefreshTokenRepository constructs a RefreshTokenRepository.
func NewRefreshTokenRepository(db *sqlx.DB) *RefreshTokenRepository {
	return &RefreshTokenRepository{db: db}
}

// Create inserts a new credential.
func (r *RefreshTokenRepository) Create(ctx context.Context, cred *models.RefreshCredential) error {
	const query = `INSERT INTO refresh_tokens (` + refreshColumns + `)
VALUES (:token_hash, :owner_id, :owner_role, :device_id, :issued_at, :expires_at, :is_revoked, :revoked_at, :replaced_by)`
	if _, err := r.db.NamedExecContext(ctx, query, cred); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create refresh token: %w", ErrDuplicate)
		}
		return fmt.Errorf("create refresh token: %w", err)
	}
	return nil
}

// FindByHash returns a credential by digest.
func (r *RefreshTokenRepository) FindByHash(ctx context.Context, hash string) (*models.RefreshCredential, error) {
	const query = `SELECT ` + refreshColumns + ` FROM refresh_tokens WHERE token_hash = $1`
	var cred models.RefreshCredential
	if err := r.db.GetContext(ctx, &cred, query, hash); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find refresh token: %w", err)
	}
	return &cred, nil
}

// Rotate revokes oldHash in favour of next and inserts next in one
// transaction. The revoke is conditional on the old credential still being
// valid and bound to next's owner and device, so of two concurrent rotations
// of the same credential exactly one commits; the loser gets sql.ErrNoRows.
func (r *RefreshTokenRepository) Rotate(ctx context.Context, oldHash string, next *models.RefreshCredential) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rotation transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const revokeQuery = `UPDATE refresh_tokens SET is_revoked = TRUE, revoked_at = $2, replaced_by = $3
WHERE token_hash = $1 AND is_revoked = FALSE AND expires_at > $2 AND owner_id = $4 AND owner_role = $5 AND device_id = $6`
	res, err := tx.ExecContext(ctx, revokeQuery, oldHash, next.IssuedAt, next.TokenHash, next.OwnerID, next.OwnerRole, next.DeviceID)
	if err != nil {
		err = fmt.Errorf("revoke rotated token: %w", err)
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		err = fmt.Errorf("revoke rotated token: %w", err)
		return err
	}
	if affected == 0 {
		err = sql.ErrNoRows
		return err
	}

	const insertQuery = `INSERT INTO refresh_tokens (` + refreshColumns + `)
VALUES (:token_hash, :owner_id, :owner_role, :device_id, :issued_at, :expires_at, :is_revoked, :revoked_at, :replaced_by)`
	if _, err = tx.NamedExecContext(ctx, insertQuery, next); err != nil {
		if isUniqueViolation(err) {
			err = fmt.Errorf("insert rotated token: %w", ErrDuplicate)
			return err
		}
		err = fmt.Errorf("insert rotated token: %w", err)
		return err
	}

	if err = tx.Commit(); err != nil {
		err = fmt.Errorf("commit rotation: %w", err)
		return err
	}
	return nil
}

// Revoke marks one credential revoked. Revoking twice is not an error; the
// returned count is zero the second time.
func (r *RefreshTokenRepository) Revoke(ctx context.Context, hash string, at time.Time) (int64, error) {
	const query = `UPDATE refresh_tokens SET is_revoked = TRUE, revoked_at = $2 WHERE token_hash = $1 AND is_revoked = FALSE`
	return r.exec(ctx, "revoke refresh token", query, hash, at)
}

// RevokeAllForDevice revokes every live credential ref holds on deviceID.
func (r *RefreshTokenRepository) RevokeAllForDevice(ctx context.Context, ref models.IdentityRef, deviceID string, at time.Time) (int64, error) {
	const query = `UPDATE refresh_tokens SET is_revoked = TRUE, revoked_at = $4
WHERE owner_id = $1 AND owner_role = $2 AND device_id = $3 AND is_revoked = FALSE`
	return r.exec(ctx, "revoke device refresh tokens", query, ref.ID, ref.Role, deviceID, at)
}

// RevokeAllForOwner revokes every live credential ref holds on any device.
func (r *RefreshTokenRepository) RevokeAllForOwner(ctx context.Context, ref models.IdentityRef, at time.Time) (int64, error) {
	const query = `UPDATE refresh_tokens SET is_revoked = TRUE, revoked_at = $3
WHERE owner_id = $1 AND owner_role = $2 AND is_revoked = FALSE`
	return r.exec(ctx, "revoke owner refresh tokens", query, ref.ID, ref.Role, at)
}

// RevokeAllOnDevice revokes every live credential bound to deviceID regardless of owner.
func (r *RefreshTokenRepository) RevokeAllOnDevice(ctx context.Context, deviceID string, at time.Time) (int64, error) {
	const query = `UPDATE refresh_tokens SET is_revoked = TRUE, revoked_at = $2 WHERE device_id = $1 AND is_revoked = FALSE`
	return r.exec(ctx, "revoke refresh tokens on device", query, deviceID, at)
}

// DeleteExpiredBefore physically removes credentials that expired before cutoff.
func (r *RefreshTokenRepository) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `DELETE FROM refresh_tokens WHERE expires_at < $1`
	return r.exec(ctx, "sweep refresh tokens", query, cutoff)
}

func (r *RefreshTokenRepository) exec(ctx context.Context, op, query string, args ...interface{}) (int64, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return affected, nil
}
