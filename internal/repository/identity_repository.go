package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/vnipet/device-auth/internal/models"
)

const identityColumns = `id, email, password_hash, full_name, active, created_at, updated_at`

// IdentityRepository reads owner and admin accounts. The two spaces live in
// separate tables and every lookup names its table explicitly.
type IdentityRepository struct {
	db *sqlx.DB
}

// NewIdentityRepository constructs an IdentityRepository.
func NewIdentityRepository(db *sqlx.DB) *IdentityRepository {
	return &IdentityRepository{db: db}
}

// FindOwnerByID returns an owner account.
func (r *IdentityRepository) FindOwnerByID(ctx context.Context, id string) (*models.Identity, error) {
	return r.get(ctx, `SELECT `+identityColumns+` FROM owners WHERE id = $1`, "find owner", id)
}

// FindAdminByID returns an admin account.
func (r *IdentityRepository) FindAdminByID(ctx context.Context, id string) (*models.Identity, error) {
	return r.get(ctx, `SELECT `+identityColumns+` FROM admins WHERE id = $1`, "find admin", id)
}

// FindOwnerByEmail returns an owner account by email.
func (r *IdentityRepository) FindOwnerByEmail(ctx context.Context, email string) (*models.Identity, error) {
	return r.get(ctx, `SELECT `+identityColumns+` FROM owners WHERE LOWER(email) = $1 LIMIT 1`, "find owner by email", strings.ToLower(email))
}

// FindAdminByEmail returns an admin account by email.
func (r *IdentityRepository) FindAdminByEmail(ctx context.Context, email string) (*models.Identity, error) {
	return r.get(ctx, `SELECT `+identityColumns+` FROM admins WHERE LOWER(email) = $1 LIMIT 1`, "find admin by email", strings.ToLower(email))
}

// CreateOwner inserts a new owner account.
func (r *IdentityRepository) CreateOwner(ctx context.Context, identity *models.Identity) error {
	const query = `INSERT INTO owners (` + identityColumns + `)
VALUES (:id, :email, :password_hash, :full_name, :active, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, identity); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create owner: %w", ErrDuplicate)
		}
		return fmt.Errorf("create owner: %w", err)
	}
	return nil
}

func (r *IdentityRepository) get(ctx context.Context, query, op string, arg string) (*models.Identity, error) {
	var identity models.Identity
	if err := r.db.GetContext(ctx, &identity, query, arg); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &identity, nil
}
