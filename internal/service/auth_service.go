package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/vnipet/device-auth/internal/models"
	"github.com/vnipet/device-auth/internal/repository"
	appErrors "github.com/vnipet/device-auth/pkg/errors"
)

type authIdentityStore interface {
	FindOwnerByEmail(ctx context.Context, email string) (*models.Identity, error)
	FindAdminByEmail(ctx context.Context, email string) (*models.Identity, error)
	CreateOwner(ctx context.Context, identity *models.Identity) error
}

type identityResolver interface {
	Resolve(ctx context.Context, ref models.IdentityRef) (*models.Identity, error)
}

type loginAttemptStore interface {
	Count(ctx context.Context, key string) (int64, error)
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)
	Reset(ctx context.Context, key string) error
}

type authTokenService interface {
	IssueTokenPair(ctx context.Context, ref models.IdentityRef, deviceID string) (*models.TokenPair, error)
	VerifyRefreshToken(ctx context.Context, token string) (models.RefreshVerification, error)
	RotateToken(ctx context.Context, oldToken string, guards ...RotationGuard) (*models.TokenPair, *models.RefreshClaims, error)
	Revoke(ctx context.Context, token string) (int64, error)
	RevokeAllForOwner(ctx context.Context, ref models.IdentityRef) (int64, error)
}

type authDeviceService interface {
	AdmitDevice(ctx context.Context, req models.DeviceRegisterRequest) (*models.DeviceRegisterResponse, error)
	BindDeviceOnLogin(ctx context.Context, deviceID string, ref models.IdentityRef, info models.DeviceInfo) (*models.DeviceRecord, error)
	RequireActive(ctx context.Context, deviceID string) (*models.DeviceRecord, error)
	Get(ctx context.Context, deviceID string) (*models.DeviceRecord, error)
	RecordLogout(ctx context.Context, deviceID string) error
	EnqueueSession(ref models.IdentityRef, deviceID string, durationSeconds int64)
}

// PasswordChecker is the opaque credential check collaborator.
type PasswordChecker interface {
	ComparePassword(hash, password string) error
	HashPassword(password string) (string, error)
}

// BcryptPasswords implements PasswordChecker with bcrypt.
type BcryptPasswords struct {
	Cost int
}

// ComparePassword implements PasswordChecker.
func (b BcryptPasswords) ComparePassword(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// HashPassword implements PasswordChecker.
func (b BcryptPasswords) HashPassword(password string) (string, error) {
	cost := b.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// AuthConfig defines the failed-login lock policy.
type AuthConfig struct {
	MaxLoginAttempts int
	LockDuration     time.Duration
}

// AuthService provides the register, login, refresh and logout flows.
type AuthService struct {
	identities authIdentityStore
	resolver   identityResolver
	devices    authDeviceService
	tokens     authTokenService
	attempts   loginAttemptStore
	passwords  PasswordChecker
	validator  *validator.Validate
	logger     *zap.Logger
	metrics    *MetricsService
	config     AuthConfig
}

// NewAuthService constructs an AuthService instance.
func NewAuthService(
	identities authIdentityStore,
	resolver identityResolver,
	devices authDeviceService,
	tokens authTokenService,
	attempts loginAttemptStore,
	passwords PasswordChecker,
	validate *validator.Validate,
	logger *zap.Logger,
	metrics *MetricsService,
	config AuthConfig,
) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if passwords == nil {
		passwords = BcryptPasswords{}
	}
	if config.LockDuration <= 0 {
		config.LockDuration = 15 * time.Minute
	}
	return &AuthService{
		identities: identities,
		resolver:   resolver,
		devices:    devices,
		tokens:     tokens,
		attempts:   attempts,
		passwords:  passwords,
		validator:  validate,
		logger:     logger,
		metrics:    metrics,
		config:     config,
	}
}

// Register admits the device, creates an owner account, binds the device and
// issues the first token pair.
func (s *AuthService) Register(ctx context.Context, req models.RegisterRequest) (*models.AuthResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid register payload")
	}

	admission, err := s.devices.AdmitDevice(ctx, req.Device)
	if err != nil {
		return nil, err
	}

	hash, err := s.passwords.HashPassword(req.Password)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}
	now := time.Now().UTC()
	identity := &models.Identity{
		ID:           uuid.NewString(),
		Email:        strings.ToLower(strings.TrimSpace(req.Email)),
		PasswordHash: hash,
		FullName:     req.FullName,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.identities.CreateOwner(ctx, identity); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "email already registered")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create owner")
	}

	signature := req.Device.ApplicationSignature
	info := models.DeviceInfo{
		ApplicationSignature: &signature,
		Platform:             req.Device.Platform,
		DeviceFingerprint:    req.Device.DeviceFingerprint,
		BiometricSupported:   &req.Device.Capabilities.BiometricSupported,
		Jailbroken:           &req.Device.Capabilities.Jailbroken,
	}
	return s.establish(ctx, "register", identity, models.OwnerRef(identity.ID), admission.DeviceID, info)
}

// Login checks the credential, binds the device and issues a token pair.
func (s *AuthService) Login(ctx context.Context, req models.LoginRequest) (*models.AuthResponse, error) {
	if req.Role == "" {
		req.Role = models.RoleOwner
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid login payload")
	}

	attemptKey := string(req.Role) + ":" + strings.ToLower(strings.TrimSpace(req.Email))
	if s.locked(ctx, attemptKey) {
		s.metrics.RecordLoginLocked()
		return nil, appErrors.Clone(appErrors.ErrAccountLocked, "")
	}

	identity, err := s.findByEmail(ctx, req.Role, req.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.recordFailure(ctx, attemptKey)
			return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch identity")
	}

	if err := s.passwords.ComparePassword(identity.PasswordHash, req.Password); err != nil {
		s.recordFailure(ctx, attemptKey)
		return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "")
	}

	if !identity.Active {
		return nil, appErrors.Clone(appErrors.ErrInactiveAccount, "")
	}

	if err := s.attempts.Reset(ctx, attemptKey); err != nil {
		s.logger.Warn("failed to reset login attempts", zap.Error(err))
	}

	return s.establish(ctx, "login", identity, models.IdentityRef{Role: req.Role, ID: identity.ID}, req.DeviceID, req.DeviceInfo)
}

// Refresh rotates a refresh credential presented from the device it is bound
// to. The device must still be active and the identity must still resolve.
func (s *AuthService) Refresh(ctx context.Context, req models.RefreshTokenRequest) (*models.AuthResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid refresh payload")
	}

	var device *models.DeviceRecord
	guard := func(ctx context.Context, claims *models.RefreshClaims) error {
		if claims.DeviceID != req.DeviceID {
			s.logger.Warn("refresh token presented from another device", zap.String("bound_device", claims.DeviceID))
			s.metrics.RecordRefreshRejected("device_mismatch")
			return appErrors.Clone(appErrors.ErrInvalidRefreshToken, "")
		}
		active, err := s.devices.RequireActive(ctx, claims.DeviceID)
		if err != nil {
			if appErrors.Is(err, appErrors.ErrNotFound) {
				return appErrors.Clone(appErrors.ErrInvalidRefreshToken, "")
			}
			return err
		}
		if !active.OwnedBy(claims.Ref()) {
			s.metrics.RecordRefreshRejected("device_owner")
			return appErrors.Clone(appErrors.ErrInvalidRefreshToken, "")
		}
		if _, err := s.resolver.Resolve(ctx, claims.Ref()); err != nil {
			if appErrors.Is(err, appErrors.ErrUnauthorized) {
				s.metrics.RecordRefreshRejected("identity")
				return appErrors.Clone(appErrors.ErrInvalidRefreshToken, "")
			}
			return err
		}
		device = active
		return nil
	}

	pair, claims, err := s.tokens.RotateToken(ctx, req.RefreshToken, guard)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordTokenIssued("refresh", claims.Role)

	return &models.AuthResponse{
		Tokens: *pair,
		Device: models.NewDeviceSummary(device),
	}, nil
}

// Logout revokes exactly the presented refresh credential. Only the call that
// actually revokes a live credential stamps the device's lastLogoutAt and
// queues the closed session. Unknown, expired and already revoked tokens
// succeed silently.
func (s *AuthService) Logout(ctx context.Context, req models.LogoutRequest) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid logout payload")
	}

	verification, err := s.tokens.VerifyRefreshToken(ctx, req.RefreshToken)
	if err != nil {
		return err
	}
	revoked, err := s.tokens.Revoke(ctx, req.RefreshToken)
	if err != nil {
		return err
	}
	if !verification.OK() || revoked != 1 {
		return nil
	}

	claims := verification.Claims
	if err := s.devices.RecordLogout(ctx, claims.DeviceID); err != nil {
		s.logger.Warn("failed to stamp logout", zap.String("device_id", claims.DeviceID), zap.Error(err))
	}
	s.devices.EnqueueSession(claims.Ref(), claims.DeviceID, req.SessionDuration)
	return nil
}

// RevokeAll invalidates every refresh credential of the caller on every device.
func (s *AuthService) RevokeAll(ctx context.Context, principal *models.Principal) (*models.RevokeAllResponse, error) {
	n, err := s.tokens.RevokeAllForOwner(ctx, principal.Ref())
	if err != nil {
		return nil, err
	}
	return &models.RevokeAllResponse{Revoked: n}, nil
}

// Me describes the authenticated caller and its current device.
func (s *AuthService) Me(ctx context.Context, principal *models.Principal) (*models.MeResponse, error) {
	identity, err := s.resolver.Resolve(ctx, principal.Ref())
	if err != nil {
		return nil, err
	}
	resp := &models.MeResponse{Identity: identityInfo(identity, principal.Role)}
	device, err := s.devices.Get(ctx, principal.DeviceID)
	if err != nil && !appErrors.Is(err, appErrors.ErrNotFound) {
		return nil, err
	}
	if device != nil {
		summary := models.NewDeviceSummary(device)
		resp.Device = &summary
	}
	return resp, nil
}

func (s *AuthService) establish(ctx context.Context, flow string, identity *models.Identity, ref models.IdentityRef, deviceID string, info models.DeviceInfo) (*models.AuthResponse, error) {
	device, err := s.devices.BindDeviceOnLogin(ctx, deviceID, ref, info)
	if err != nil {
		return nil, err
	}
	pair, err := s.tokens.IssueTokenPair(ctx, ref, device.DeviceID)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordTokenIssued(flow, ref.Role)
	s.logger.Info("token pair issued", zap.String("flow", flow), zap.String("identity", ref.String()), zap.String("device_id", device.DeviceID))

	summary := identityInfo(identity, ref.Role)
	return &models.AuthResponse{
		Tokens:   *pair,
		Identity: &summary,
		Device:   models.NewDeviceSummary(device),
	}, nil
}

func (s *AuthService) findByEmail(ctx context.Context, role models.Role, email string) (*models.Identity, error) {
	if role == models.RoleAdmin {
		return s.identities.FindAdminByEmail(ctx, email)
	}
	return s.identities.FindOwnerByEmail(ctx, email)
}

func (s *AuthService) locked(ctx context.Context, key string) bool {
	if s.config.MaxLoginAttempts <= 0 {
		return false
	}
	n, err := s.attempts.Count(ctx, key)
	if err != nil {
		s.logger.Warn("failed to read login attempts", zap.Error(err))
		return false
	}
	return n >= int64(s.config.MaxLoginAttempts)
}

func (s *AuthService) recordFailure(ctx context.Context, key string) {
	if s.config.MaxLoginAttempts <= 0 {
		return
	}
	if _, err := s.attempts.Increment(ctx, key, s.config.LockDuration); err != nil {
		s.logger.Warn("failed to record login attempt", zap.Error(err))
	}
}

func identityInfo(identity *models.Identity, role models.Role) models.IdentityInfo {
	return models.IdentityInfo{
		ID:       identity.ID,
		Email:    identity.Email,
		FullName: identity.FullName,
		Role:     role,
	}
}
