package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vnipet/device-auth/internal/models"
)

const deviceColumns = `device_id, owner_id, owner_role, application_signature, platform, device_fingerprint, device_name, device_model, os_version, app_version,
biometric_supported, biometric_enabled, jailbroken, is_active, is_trusted, trust_score, push_destinations,
session_count, total_usage_time, average_session_duration, last_session_duration, last_login_at, last_logout_at, created_at, updated_at`

// DeviceRepository persists device records. Records are never deleted.
type DeviceRepository struct {
	db *sqlx.DB
}

// NewDeviceRepository constructs a DeviceRepository.
func NewDeviceRepository(db *sqlx.DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

// FindByID returns a device by id.
func (r *DeviceRepository) FindByID(ctx context.Context, deviceID string) (*models.DeviceRecord, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE device_id = $1`
	var device models.DeviceRecord
	if err := r.db.GetContext(ctx, &device, query, deviceID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find device: %w", err)
	}
	return &device, nil
}

// List returns devices matching the filter ordered by trust score.
func (r *DeviceRepository) List(ctx context.Context, filter models.DeviceFilter) ([]models.DeviceRecord, error) {
	var conditions []string
	var args []interface{}
	if filter.OwnerID != "" {
		args = append(args, filter.OwnerID)
		conditions = append(conditions, fmt.Sprintf("owner_id = $%d", len(args)))
	}
	if filter.OwnerRole != "" {
		args = append(args, filter.OwnerRole)
		conditions = append(conditions, fmt.Sprintf("owner_role = $%d", len(args)))
	}
	if filter.Active != nil {
		args = append(args, *filter.Active)
		conditions = append(conditions, fmt.Sprintf("is_active = $%d", len(args)))
	}

	query := `SELECT ` + deviceColumns + ` FROM devices`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY trust_score DESC, device_id"

	var devices []models.DeviceRecord
	if err := r.db.SelectContext(ctx, &devices, query, args...); err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return devices, nil
}

// ListByOwner returns every device bound to ref.
func (r *DeviceRepository) ListByOwner(ctx context.Context, ref models.IdentityRef) ([]models.DeviceRecord, error) {
	return r.List(ctx, models.DeviceFilter{OwnerID: ref.ID, OwnerRole: ref.Role})
}

// Mutate locks an existing device, applies fn, recomputes the trust score and
// persists the result in one transaction. A missing device yields sql.ErrNoRows.
func (r *DeviceRepository) Mutate(ctx context.Context, deviceID string, fn models.DeviceMutation) (*models.DeviceRecord, error) {
	return r.mutate(ctx, deviceID, false, fn)
}

// Upsert behaves like Mutate but first inserts a base record when the device
// is unseen. Concurrent first writers serialise on the row lock. A record
// created here keeps the base trust score until its next recomputation.
func (r *DeviceRepository) Upsert(ctx context.Context, deviceID string, fn models.DeviceMutation) (*models.DeviceRecord, error) {
	return r.mutate(ctx, deviceID, true, fn)
}

func (r *DeviceRepository) mutate(ctx context.Context, deviceID string, create bool, fn models.DeviceMutation) (device *models.DeviceRecord, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin device transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	created := false
	if create {
		now := time.Now().UTC()
		const insertQuery = `INSERT INTO devices (device_id, owner_role, is_active, trust_score, push_destinations, created_at, updated_at)
VALUES ($1, $2, TRUE, $3, '[]', $4, $4) ON CONFLICT (device_id) DO NOTHING`
		res, execErr := tx.ExecContext(ctx, insertQuery, deviceID, models.RoleGuest, models.TrustBase, now)
		if execErr != nil {
			err = fmt.Errorf("insert device: %w", execErr)
			return nil, err
		}
		affected, _ := res.RowsAffected()
		created = affected == 1
	}

	var current models.DeviceRecord
	selectQuery := `SELECT ` + deviceColumns + ` FROM devices WHERE device_id = $1 FOR UPDATE`
	if err = tx.GetContext(ctx, &current, selectQuery, deviceID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		err = fmt.Errorf("lock device: %w", err)
		return nil, err
	}

	if err = fn(&current, created); err != nil {
		return nil, err
	}
	if created {
		current.TrustScore = models.TrustBase
	} else {
		current.RecomputeTrustScore()
	}
	current.UpdatedAt = time.Now().UTC()

	const updateQuery = `UPDATE devices SET owner_id = $2, owner_role = $3, application_signature = $4, platform = $5, device_fingerprint = $6,
device_name = $7, device_model = $8, os_version = $9, app_version = $10, biometric_supported = $11, biometric_enabled = $12, jailbroken = $13,
is_active = $14, is_trusted = $15, trust_score = $16, push_destinations = $17, session_count = $18, total_usage_time = $19,
average_session_duration = $20, last_session_duration = $21, last_login_at = $22, last_logout_at = $23, updated_at = $24
WHERE device_id = $1`
	if _, err = tx.ExecContext(ctx, updateQuery,
		current.DeviceID, current.OwnerID, current.OwnerRole, current.ApplicationSignature, current.Platform, current.DeviceFingerprint,
		current.DeviceName, current.DeviceModel, current.OSVersion, current.AppVersion, current.BiometricSupported, current.BiometricEnabled, current.Jailbroken,
		current.IsActive, current.IsTrusted, current.TrustScore, current.PushDestinations, current.SessionCount, current.TotalUsageTime,
		current.AverageSessionDuration, current.LastSessionDuration, current.LastLoginAt, current.LastLogoutAt, current.UpdatedAt,
	); err != nil {
		err = fmt.Errorf("update device: %w", err)
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		err = fmt.Errorf("commit device: %w", err)
		return nil, err
	}
	return &current, nil
}
