package service

import (
	"context"
	"database/sql"
	"errors"

	"github.com/vnipet/device-auth/internal/models"
	appErrors "github.com/vnipet/device-auth/pkg/errors"
)

type identityStore interface {
	FindOwnerByID(ctx context.Context, id string) (*models.Identity, error)
	FindAdminByID(ctx context.Context, id string) (*models.Identity, error)
}

// IdentityResolver looks identities up in the store selected by their role tag.
type IdentityResolver struct {
	store identityStore
}

// NewIdentityResolver constructs an IdentityResolver.
func NewIdentityResolver(store identityStore) *IdentityResolver {
	return &IdentityResolver{store: store}
}

// Resolve returns the identity behind ref. Owners must be active; admins
// only need to exist. Roles that cannot authenticate are rejected without a
// lookup. Every rejection is ErrUnauthorized.
func (r *IdentityResolver) Resolve(ctx context.Context, ref models.IdentityRef) (*models.Identity, error) {
	var (
		identity *models.Identity
		err      error
	)
	switch ref.Role {
	case models.RoleOwner:
		identity, err = r.store.FindOwnerByID(ctx, ref.ID)
	case models.RoleAdmin:
		identity, err = r.store.FindAdminByID(ctx, ref.ID)
	default:
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "")
	}
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrUnauthorized, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve identity")
	}
	if ref.Role == models.RoleOwner && !identity.Active {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "")
	}
	return identity, nil
}
