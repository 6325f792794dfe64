package models

// DeviceRegisterRequest is the device admission payload.
type DeviceRegisterRequest struct {
	ApplicationSignature string       `json:"applicationSignature" validate:"required,max=255"`
	Platform             Platform     `json:"platform" validate:"required,oneof=ios android"`
	DeviceFingerprint    *string      `json:"deviceFingerprint" validate:"omitempty,max=512"`
	Capabilities         Capabilities `json:"capabilities"`
}

// DeviceRegisterResponse returns the freshly minted device id.
type DeviceRegisterResponse struct {
	DeviceID string `json:"deviceId"`
}

// RegisterRequest admits a device and creates an owner account in one call.
type RegisterRequest struct {
	Email     string                `json:"email" validate:"required,email,max=255"`
	Password  string                `json:"password" validate:"required,min=8,max=72"`
	FullName  string                `json:"fullName" validate:"required,max=120"`
	Device    DeviceRegisterRequest `json:"device"`
	IP        string                `json:"-"`
	UserAgent string                `json:"-"`
}

// LoginRequest authenticates an identity on a previously admitted device.
type LoginRequest struct {
	Email      string     `json:"email" validate:"required,email"`
	Password   string     `json:"password" validate:"required"`
	Role       Role       `json:"role" validate:"omitempty,oneof=owner admin"`
	DeviceID   string     `json:"deviceId" validate:"required,len=32,hexadecimal"`
	DeviceInfo DeviceInfo `json:"deviceInfo"`
	IP         string     `json:"-"`
	UserAgent  string     `json:"-"`
}

// RefreshTokenRequest exchanges a refresh credential bound to DeviceID.
type RefreshTokenRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
	DeviceID     string `json:"deviceId" validate:"required"`
}

// LogoutRequest revokes one refresh credential. SessionDuration is seconds.
type LogoutRequest struct {
	RefreshToken    string `json:"refreshToken" validate:"required"`
	SessionDuration int64  `json:"sessionDuration"`
}

// IdentityInfo describes the authenticated identity in responses.
type IdentityInfo struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"fullName"`
	Role     Role   `json:"role"`
}

// DeviceSummary is the device view returned alongside issued tokens.
type DeviceSummary struct {
	DeviceID         string `json:"deviceId"`
	TrustScore       int    `json:"trustScore"`
	IsTrusted        bool   `json:"isTrusted"`
	BiometricEnabled bool   `json:"biometricEnabled"`
}

// NewDeviceSummary builds the summary view of d.
func NewDeviceSummary(d *DeviceRecord) DeviceSummary {
	return DeviceSummary{
		DeviceID:         d.DeviceID,
		TrustScore:       d.TrustScore,
		IsTrusted:        d.IsTrusted,
		BiometricEnabled: d.BiometricEnabled,
	}
}

// AuthResponse is returned by register, login and refresh.
type AuthResponse struct {
	Tokens   TokenPair     `json:"tokens"`
	Identity *IdentityInfo `json:"identity,omitempty"`
	Device   DeviceSummary `json:"device"`
}

// SessionActivityRequest reports a closed session for the caller's device.
type SessionActivityRequest struct {
	DurationSeconds int64 `json:"durationSeconds"`
}

// PushDestinationRequest registers a push target on the caller's device.
type PushDestinationRequest struct {
	Token       string      `json:"token" validate:"required,max=4096"`
	ChannelType ChannelType `json:"channelType" validate:"required,oneof=fcm apns"`
}

// BiometricRequest toggles biometric unlock on the caller's device.
type BiometricRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

// TrustFlagRequest sets the manual trust flag on a device.
type TrustFlagRequest struct {
	Trusted *bool `json:"trusted" validate:"required"`
}

// DeviceFilter narrows device listings.
type DeviceFilter struct {
	OwnerID   string
	OwnerRole Role
	Active    *bool
}

// MeResponse describes the authenticated caller.
type MeResponse struct {
	Identity IdentityInfo   `json:"identity"`
	Device   *DeviceSummary `json:"device,omitempty"`
}

// RevokeAllResponse reports how many credentials were invalidated.
type RevokeAllResponse struct {
	Revoked int64 `json:"revoked"`
}
