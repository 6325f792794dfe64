package service

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/vnipet/device-auth/internal/models"
	"github.com/vnipet/device-auth/internal/repository"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type memRefreshStore struct {
	mu        sync.Mutex
	creds     map[string]*models.RefreshCredential
	createErr error
	rotateErr error
}

func newMemRefreshStore() *memRefreshStore {
	return &memRefreshStore{creds: make(map[string]*models.RefreshCredential)}
}

func (m *memRefreshStore) Create(ctx context.Context, cred *models.RefreshCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if _, exists := m.creds[cred.TokenHash]; exists {
		return repository.ErrDuplicate
	}
	clone := *cred
	m.creds[cred.TokenHash] = &clone
	return nil
}

func (m *memRefreshStore) FindByHash(ctx context.Context, hash string) (*models.RefreshCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.creds[hash]
	if !ok {
		return nil, sql.ErrNoRows
	}
	clone := *cred
	return &clone, nil
}

func (m *memRefreshStore) Rotate(ctx context.Context, oldHash string, next *models.RefreshCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rotateErr != nil {
		return m.rotateErr
	}
	old, ok := m.creds[oldHash]
	if !ok || old.IsRevoked || !next.IssuedAt.Before(old.ExpiresAt) ||
		old.OwnerID != next.OwnerID || old.OwnerRole != next.OwnerRole || old.DeviceID != next.DeviceID {
		return sql.ErrNoRows
	}
	at := next.IssuedAt
	successor := next.TokenHash
	old.IsRevoked = true
	old.RevokedAt = &at
	old.ReplacedBy = &successor
	clone := *next
	m.creds[next.TokenHash] = &clone
	return nil
}

func (m *memRefreshStore) revokeWhere(at time.Time, match func(*models.RefreshCredential) bool) int64 {
	var n int64
	for _, cred := range m.creds {
		if cred.IsRevoked || !match(cred) {
			continue
		}
		ts := at
		cred.IsRevoked = true
		cred.RevokedAt = &ts
		n++
	}
	return n
}

func (m *memRefreshStore) Revoke(ctx context.Context, hash string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revokeWhere(at, func(c *models.RefreshCredential) bool { return c.TokenHash == hash }), nil
}

func (m *memRefreshStore) RevokeAllForDevice(ctx context.Context, ref models.IdentityRef, deviceID string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revokeWhere(at, func(c *models.RefreshCredential) bool { return c.Owner() == ref && c.DeviceID == deviceID }), nil
}

func (m *memRefreshStore) RevokeAllForOwner(ctx context.Context, ref models.IdentityRef, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revokeWhere(at, func(c *models.RefreshCredential) bool { return c.Owner() == ref }), nil
}

func (m *memRefreshStore) RevokeAllOnDevice(ctx context.Context, deviceID string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revokeWhere(at, func(c *models.RefreshCredential) bool { return c.DeviceID == deviceID }), nil
}

func (m *memRefreshStore) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for hash, cred := range m.creds {
		if cred.ExpiresAt.Before(cutoff) {
			delete(m.creds, hash)
			n++
		}
	}
	return n, nil
}

func (m *memRefreshStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.creds)
}

type memDeviceStore struct {
	mu      sync.Mutex
	devices map[string]*models.DeviceRecord
}

func newMemDeviceStore() *memDeviceStore {
	return &memDeviceStore{devices: make(map[string]*models.DeviceRecord)}
}

func (m *memDeviceStore) put(d models.DeviceRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[d.DeviceID] = &d
}

func (m *memDeviceStore) FindByID(ctx context.Context, deviceID string) (*models.DeviceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	clone := *d
	return &clone, nil
}

func (m *memDeviceStore) List(ctx context.Context, filter models.DeviceFilter) ([]models.DeviceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.DeviceRecord
	for _, d := range m.devices {
		if filter.OwnerID != "" && (d.OwnerID == nil || *d.OwnerID != filter.OwnerID) {
			continue
		}
		if filter.OwnerRole != "" && d.OwnerRole != filter.OwnerRole {
			continue
		}
		out = append(out, *d)
	}
	return out, nil
}

func (m *memDeviceStore) ListByOwner(ctx context.Context, ref models.IdentityRef) ([]models.DeviceRecord, error) {
	return m.List(ctx, models.DeviceFilter{OwnerID: ref.ID, OwnerRole: ref.Role})
}

func (m *memDeviceStore) Mutate(ctx context.Context, deviceID string, fn models.DeviceMutation) (*models.DeviceRecord, error) {
	return m.mutate(deviceID, false, fn)
}

func (m *memDeviceStore) Upsert(ctx context.Context, deviceID string, fn models.DeviceMutation) (*models.DeviceRecord, error) {
	return m.mutate(deviceID, true, fn)
}

func (m *memDeviceStore) mutate(deviceID string, create bool, fn models.DeviceMutation) (*models.DeviceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.devices[deviceID]
	created := false
	if !ok {
		if !create {
			return nil, sql.ErrNoRows
		}
		current = &models.DeviceRecord{DeviceID: deviceID, OwnerRole: models.RoleGuest, IsActive: true, TrustScore: models.TrustBase}
		created = true
	}
	working := *current
	working.PushDestinations = append(models.PushDestinations(nil), current.PushDestinations...)
	if err := fn(&working, created); err != nil {
		return nil, err
	}
	if created {
		working.TrustScore = models.TrustBase
	} else {
		working.RecomputeTrustScore()
	}
	m.devices[deviceID] = &working
	clone := working
	return &clone, nil
}

type fakeRevoker struct {
	mu         sync.Mutex
	forDevice  []models.IdentityRef
	devicesCut []string
	err        error
}

func (f *fakeRevoker) RevokeAllForDevice(ctx context.Context, ref models.IdentityRef, deviceID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forDevice = append(f.forDevice, ref)
	return 1, f.err
}

func (f *fakeRevoker) RevokeDevice(ctx context.Context, deviceID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devicesCut = append(f.devicesCut, deviceID)
	return 1, f.err
}

type memIdentityStore struct {
	mu     sync.Mutex
	owners map[string]*models.Identity
	admins map[string]*models.Identity
}

func newMemIdentityStore() *memIdentityStore {
	return &memIdentityStore{owners: map[string]*models.Identity{}, admins: map[string]*models.Identity{}}
}

func (m *memIdentityStore) find(set map[string]*models.Identity, match func(*models.Identity) bool) (*models.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, identity := range set {
		if match(identity) {
			clone := *identity
			return &clone, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *memIdentityStore) FindOwnerByID(ctx context.Context, id string) (*models.Identity, error) {
	return m.find(m.owners, func(i *models.Identity) bool { return i.ID == id })
}

func (m *memIdentityStore) FindAdminByID(ctx context.Context, id string) (*models.Identity, error) {
	return m.find(m.admins, func(i *models.Identity) bool { return i.ID == id })
}

func (m *memIdentityStore) FindOwnerByEmail(ctx context.Context, email string) (*models.Identity, error) {
	return m.find(m.owners, func(i *models.Identity) bool { return i.Email == email })
}

func (m *memIdentityStore) FindAdminByEmail(ctx context.Context, email string) (*models.Identity, error) {
	return m.find(m.admins, func(i *models.Identity) bool { return i.Email == email })
}

func (m *memIdentityStore) CreateOwner(ctx context.Context, identity *models.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.owners {
		if existing.Email == identity.Email {
			return repository.ErrDuplicate
		}
	}
	clone := *identity
	m.owners[identity.ID] = &clone
	return nil
}

func (m *memIdentityStore) setOwnerActive(id string, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owners[id].Active = active
}

type memAttempts struct {
	mu     sync.Mutex
	counts map[string]int64
}

func newMemAttempts() *memAttempts {
	return &memAttempts{counts: map[string]int64{}}
}

func (m *memAttempts) Count(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key], nil
}

func (m *memAttempts) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[key]++
	return m.counts[key], nil
}

func (m *memAttempts) Reset(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.counts, key)
	return nil
}

var errPasswordMismatch = errors.New("password mismatch")

// plainPasswords stores passwords as "hash:<password>" to keep tests fast.
type plainPasswords struct{}

func (plainPasswords) ComparePassword(hash, password string) error {
	if hash != "hash:"+password {
		return errPasswordMismatch
	}
	return nil
}

func (plainPasswords) HashPassword(password string) (string, error) {
	return "hash:" + password, nil
}

// rotateBeforeRevoke lets a rotation of the same token win between a
// caller's verification and its revoke.
type rotateBeforeRevoke struct {
	*TokenService
}

func (r *rotateBeforeRevoke) Revoke(ctx context.Context, token string) (int64, error) {
	if _, _, err := r.TokenService.RotateToken(ctx, token); err != nil {
		return 0, err
	}
	return r.TokenService.Revoke(ctx, token)
}
