package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Platform is the client operating system family.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// ChannelType is the push delivery channel of a destination.
type ChannelType string

const (
	ChannelFCM  ChannelType = "fcm"
	ChannelAPNS ChannelType = "apns"
)

// Capabilities describes biometric support and device integrity.
type Capabilities struct {
	BiometricSupported bool `db:"biometric_supported" json:"biometricSupported"`
	BiometricEnabled   bool `db:"biometric_enabled" json:"biometricEnabled"`
	Jailbroken         bool `db:"jailbroken" json:"jailbroken"`
}

// ActivityMetrics accumulates session statistics for a device. Durations are seconds.
type ActivityMetrics struct {
	SessionCount           int64   `db:"session_count" json:"sessionCount"`
	TotalUsageTime         int64   `db:"total_usage_time" json:"totalUsageTime"`
	AverageSessionDuration float64 `db:"average_session_duration" json:"averageSessionDuration"`
	LastSessionDuration    int64   `db:"last_session_duration" json:"lastSessionDuration"`
}

// Record accumulates one closed session. Non-positive durations are ignored
// and reported as false.
func (m *ActivityMetrics) Record(durationSeconds int64) bool {
	if durationSeconds <= 0 {
		return false
	}
	m.SessionCount++
	m.TotalUsageTime += durationSeconds
	m.AverageSessionDuration = float64(m.TotalUsageTime) / float64(m.SessionCount)
	m.LastSessionDuration = durationSeconds
	return true
}

// PushDestination is one push notification target registered by a device.
type PushDestination struct {
	Token       string      `json:"token"`
	ChannelType ChannelType `json:"channelType"`
	IsActive    bool        `json:"isActive"`
	LastUsedAt  time.Time   `json:"lastUsedAt"`
}

// PushDestinations is an ordered list unique by token, stored as JSONB.
type PushDestinations []PushDestination

// Upsert refreshes the destination with the same token in place, or appends it.
func (p PushDestinations) Upsert(dest PushDestination) PushDestinations {
	for i := range p {
		if p[i].Token == dest.Token {
			p[i].ChannelType = dest.ChannelType
			p[i].IsActive = true
			p[i].LastUsedAt = dest.LastUsedAt
			return p
		}
	}
	dest.IsActive = true
	return append(p, dest)
}

// Deactivate marks the destination with token inactive.
func (p PushDestinations) Deactivate(token string) bool {
	for i := range p {
		if p[i].Token == token {
			p[i].IsActive = false
			return true
		}
	}
	return false
}

// Active returns the destinations currently usable for delivery.
func (p PushDestinations) Active() PushDestinations {
	out := make(PushDestinations, 0, len(p))
	for _, d := range p {
		if d.IsActive {
			out = append(out, d)
		}
	}
	return out
}

// Value implements driver.Valuer.
func (p PushDestinations) Value() (driver.Value, error) {
	if p == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(p)
}

// Scan implements sql.Scanner.
func (p *PushDestinations) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*p = PushDestinations{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("push destinations: unsupported type %T", src)
	}
	var out PushDestinations
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("push destinations: %w", err)
	}
	*p = out
	return nil
}

// DeviceRecord is the persisted trust and activity profile of one physical device.
type DeviceRecord struct {
	DeviceID             string   `db:"device_id" json:"deviceId"`
	OwnerID              *string  `db:"owner_id" json:"ownerId"`
	OwnerRole            Role     `db:"owner_role" json:"ownerRole"`
	ApplicationSignature string   `db:"application_signature" json:"applicationSignature"`
	Platform             Platform `db:"platform" json:"platform"`
	DeviceFingerprint    *string  `db:"device_fingerprint" json:"deviceFingerprint,omitempty"`
	DeviceName           string   `db:"device_name" json:"deviceName,omitempty"`
	DeviceModel          string   `db:"device_model" json:"deviceModel,omitempty"`
	OSVersion            string   `db:"os_version" json:"osVersion,omitempty"`
	AppVersion           string   `db:"app_version" json:"appVersion,omitempty"`

	Capabilities `json:"capabilities"`

	IsActive         bool             `db:"is_active" json:"isActive"`
	IsTrusted        bool             `db:"is_trusted" json:"isTrusted"`
	TrustScore       int              `db:"trust_score" json:"trustScore"`
	PushDestinations PushDestinations `db:"push_destinations" json:"pushDestinations"`

	ActivityMetrics `json:"activityMetrics"`

	LastLoginAt  *time.Time `db:"last_login_at" json:"lastLoginAt,omitempty"`
	LastLogoutAt *time.Time `db:"last_logout_at" json:"lastLogoutAt,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updatedAt"`
}

// Owner returns the owning identity, if the device has been bound.
func (d *DeviceRecord) Owner() (IdentityRef, bool) {
	if d.OwnerID == nil || *d.OwnerID == "" {
		return IdentityRef{}, false
	}
	return IdentityRef{Role: d.OwnerRole, ID: *d.OwnerID}, true
}

// OwnedBy reports whether ref owns the device.
func (d *DeviceRecord) OwnedBy(ref IdentityRef) bool {
	owner, ok := d.Owner()
	return ok && owner == ref
}

// BindOwner sets the owning identity.
func (d *DeviceRecord) BindOwner(ref IdentityRef) {
	id := ref.ID
	d.OwnerID = &id
	d.OwnerRole = ref.Role
}

// DeviceMutation edits a locked device record. created is true when the
// record was inserted by the same transaction.
type DeviceMutation func(d *DeviceRecord, created bool) error

// DeviceInfo carries client-reported descriptive fields merged on every login.
// Nil pointers leave the stored value untouched.
type DeviceInfo struct {
	ApplicationSignature *string  `json:"applicationSignature" validate:"omitempty,max=255"`
	Platform             Platform `json:"platform" validate:"omitempty,oneof=ios android"`
	DeviceFingerprint    *string  `json:"deviceFingerprint" validate:"omitempty,max=512"`
	DeviceName           *string  `json:"deviceName" validate:"omitempty,max=120"`
	DeviceModel          *string  `json:"deviceModel" validate:"omitempty,max=120"`
	OSVersion            *string  `json:"osVersion" validate:"omitempty,max=40"`
	AppVersion           *string  `json:"appVersion" validate:"omitempty,max=40"`
	BiometricSupported   *bool    `json:"biometricSupported"`
	Jailbroken           *bool    `json:"jailbroken"`
}

// Apply merges the reported fields into d.
func (info DeviceInfo) Apply(d *DeviceRecord) {
	if info.ApplicationSignature != nil {
		d.ApplicationSignature = *info.ApplicationSignature
	}
	if info.Platform != "" {
		d.Platform = info.Platform
	}
	if info.DeviceFingerprint != nil {
		fp := *info.DeviceFingerprint
		d.DeviceFingerprint = &fp
	}
	if info.DeviceName != nil {
		d.DeviceName = *info.DeviceName
	}
	if info.DeviceModel != nil {
		d.DeviceModel = *info.DeviceModel
	}
	if info.OSVersion != nil {
		d.OSVersion = *info.OSVersion
	}
	if info.AppVersion != nil {
		d.AppVersion = *info.AppVersion
	}
	if info.BiometricSupported != nil {
		d.BiometricSupported = *info.BiometricSupported
		if !d.BiometricSupported {
			d.BiometricEnabled = false
		}
	}
	if info.Jailbroken != nil {
		d.Jailbroken = *info.Jailbroken
	}
}
