package service

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vnipet/device-auth/internal/models"
	appErrors "github.com/vnipet/device-auth/pkg/errors"
	"github.com/vnipet/device-auth/pkg/jobs"
)

const (
	deviceIDBytes    = 16
	sessionJobType   = "device.session_closed"
	sessionQueueName = "device-sessions"
)

type deviceStore interface {
	FindByID(ctx context.Context, deviceID string) (*models.DeviceRecord, error)
	List(ctx context.Context, filter models.DeviceFilter) ([]models.DeviceRecord, error)
	ListByOwner(ctx context.Context, ref models.IdentityRef) ([]models.DeviceRecord, error)
	Mutate(ctx context.Context, deviceID string, fn models.DeviceMutation) (*models.DeviceRecord, error)
	Upsert(ctx context.Context, deviceID string, fn models.DeviceMutation) (*models.DeviceRecord, error)
}

type deviceTokenRevoker interface {
	RevokeAllForDevice(ctx context.Context, ref models.IdentityRef, deviceID string) (int64, error)
	RevokeDevice(ctx context.Context, deviceID string) (int64, error)
}

// DeviceConfig drives admission and trust gated privileges.
type DeviceConfig struct {
	AllowedSignatures map[models.Platform][]string
	BiometricMinTrust int
	PushMinTrust      int
	TrustLogVerbose   bool
	SessionWorkers    int
	Clock             func() time.Time
}

type sessionEvent struct {
	Owner           models.IdentityRef
	DeviceID        string
	DurationSeconds int64
}

// DeviceService owns device admission and every device record mutation.
type DeviceService struct {
	store     deviceStore
	tokens    deviceTokenRevoker
	validator *validator.Validate
	logger    *zap.Logger
	metrics   *MetricsService
	cfg       DeviceConfig
	sessions  *jobs.Queue
}

// NewDeviceService constructs a DeviceService.
func NewDeviceService(store deviceStore, tokens deviceTokenRevoker, validate *validator.Validate, logger *zap.Logger, metrics *MetricsService, cfg DeviceConfig) *DeviceService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	svc := &DeviceService{
		store:     store,
		tokens:    tokens,
		validator: validate,
		logger:    logger,
		metrics:   metrics,
		cfg:       cfg,
	}
	svc.sessions = jobs.NewQueue(sessionQueueName, svc.handleSessionJob, jobs.QueueConfig{
		Workers: cfg.SessionWorkers,
		Logger:  logger,
	})
	return svc
}

// StartSessionWorkers begins processing session-close events.
func (s *DeviceService) StartSessionWorkers(ctx context.Context) {
	s.sessions.Start(ctx)
}

// StopSessionWorkers drains queued session-close events and stops the workers.
func (s *DeviceService) StopSessionWorkers() {
	s.sessions.Stop()
}

// AdmitDevice checks the claimed application identity and mints a device id.
// Nothing is persisted until the first authenticated login.
func (s *DeviceService) AdmitDevice(ctx context.Context, req models.DeviceRegisterRequest) (*models.DeviceRegisterResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid device payload")
	}
	if !s.signatureAllowed(req.Platform, req.ApplicationSignature) {
		s.logger.Warn("untrusted application signature", zap.String("platform", string(req.Platform)))
		return nil, appErrors.Clone(appErrors.ErrUntrustedApplication, "")
	}
	deviceID, err := newDeviceID()
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to generate device id")
	}
	return &models.DeviceRegisterResponse{DeviceID: deviceID}, nil
}

// BindDeviceOnLogin creates or merge-updates the device record for ref and
// stamps lastLoginAt. A deactivated device refuses the login. A device owned
// by another identity moves to ref, loses its manual trust and biometric
// unlock, and the previous owner's credentials on it are revoked.
func (s *DeviceService) BindDeviceOnLogin(ctx context.Context, deviceID string, ref models.IdentityRef, info models.DeviceInfo) (*models.DeviceRecord, error) {
	if err := s.validator.Struct(info); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid device info")
	}

	var previous *models.IdentityRef
	device, err := s.store.Upsert(ctx, deviceID, func(d *models.DeviceRecord, created bool) error {
		if !created && !d.IsActive {
			return appErrors.Clone(appErrors.ErrDeviceDeactivated, "")
		}
		if owner, ok := d.Owner(); ok && owner != ref {
			prev := owner
			previous = &prev
			d.IsTrusted = false
			d.BiometricEnabled = false
		}
		if info.ApplicationSignature != nil {
			platform := info.Platform
			if platform == "" {
				platform = d.Platform
			}
			if !s.signatureAllowed(platform, *info.ApplicationSignature) {
				return appErrors.Clone(appErrors.ErrUntrustedApplication, "")
			}
		}
		info.Apply(d)
		d.BindOwner(ref)
		d.IsActive = true
		now := s.now()
		d.LastLoginAt = &now
		return nil
	})
	if err != nil {
		return nil, s.storeError(err, "failed to bind device")
	}

	if previous != nil {
		s.logger.Info("device rebound to new owner", zap.String("device_id", deviceID), zap.String("previous", previous.String()), zap.String("owner", ref.String()))
		// The rebind is committed. Credentials left behind by a failed revoke
		// are refused on refresh because the device no longer belongs to them.
		if _, err := s.tokens.RevokeAllForDevice(ctx, *previous, deviceID); err != nil {
			s.logger.Error("failed to revoke previous owner tokens", zap.String("device_id", deviceID), zap.String("previous", previous.String()), zap.Error(err))
		}
	}
	s.observeTrust(device)
	return device, nil
}

// RequireActive loads a device and fails when it is missing or deactivated.
func (s *DeviceService) RequireActive(ctx context.Context, deviceID string) (*models.DeviceRecord, error) {
	device, err := s.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if !device.IsActive {
		return nil, appErrors.Clone(appErrors.ErrDeviceDeactivated, "")
	}
	return device, nil
}

// Get returns a device by id.
func (s *DeviceService) Get(ctx context.Context, deviceID string) (*models.DeviceRecord, error) {
	device, err := s.store.FindByID(ctx, deviceID)
	if err != nil {
		return nil, s.storeError(err, "failed to load device")
	}
	return device, nil
}

// ListForOwner returns the devices bound to ref.
func (s *DeviceService) ListForOwner(ctx context.Context, ref models.IdentityRef) ([]models.DeviceRecord, error) {
	devices, err := s.store.ListByOwner(ctx, ref)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list devices")
	}
	return devices, nil
}

// RecordSession accumulates one closed session on a device ref still owns.
// Non-positive durations are a no-op and return a nil record.
func (s *DeviceService) RecordSession(ctx context.Context, ref models.IdentityRef, deviceID string, durationSeconds int64) (*models.DeviceRecord, error) {
	if durationSeconds <= 0 {
		return nil, nil
	}
	device, err := s.store.Mutate(ctx, deviceID, func(d *models.DeviceRecord, _ bool) error {
		if err := s.ownedActive(d, ref); err != nil {
			return err
		}
		d.ActivityMetrics.Record(durationSeconds)
		return nil
	})
	if err != nil {
		return nil, s.storeError(err, "failed to record session")
	}
	s.observeTrust(device)
	return device, nil
}

// EnqueueSession hands a session-close event to the background workers.
// Events that cannot be queued are dropped and counted.
func (s *DeviceService) EnqueueSession(ref models.IdentityRef, deviceID string, durationSeconds int64) {
	if durationSeconds <= 0 || deviceID == "" {
		return
	}
	job := jobs.Job{
		ID:      uuid.NewString(),
		Type:    sessionJobType,
		Payload: sessionEvent{Owner: ref, DeviceID: deviceID, DurationSeconds: durationSeconds},
	}
	if err := s.sessions.TryEnqueue(job); err != nil {
		s.metrics.RecordSessionDropped()
		s.logger.Warn("session event dropped", zap.String("device_id", deviceID), zap.Error(err))
	}
}

// RecordLogout stamps lastLogoutAt.
func (s *DeviceService) RecordLogout(ctx context.Context, deviceID string) error {
	_, err := s.store.Mutate(ctx, deviceID, func(d *models.DeviceRecord, _ bool) error {
		now := s.now()
		d.LastLogoutAt = &now
		return nil
	})
	if err != nil {
		return s.storeError(err, "failed to record logout")
	}
	return nil
}

// RegisterPushDestination upserts a push target on the caller's device.
func (s *DeviceService) RegisterPushDestination(ctx context.Context, principal *models.Principal, req models.PushDestinationRequest) (*models.DeviceRecord, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid push destination payload")
	}
	device, err := s.store.Mutate(ctx, principal.DeviceID, func(d *models.DeviceRecord, _ bool) error {
		if err := s.ownedActive(d, principal.Ref()); err != nil {
			return err
		}
		if d.TrustScore < s.cfg.PushMinTrust {
			return appErrors.Clone(appErrors.ErrInsufficientTrust, "device trust score too low for push notifications")
		}
		d.PushDestinations = d.PushDestinations.Upsert(models.PushDestination{
			Token:       req.Token,
			ChannelType: req.ChannelType,
			LastUsedAt:  s.now(),
		})
		return nil
	})
	if err != nil {
		return nil, s.storeError(err, "failed to register push destination")
	}
	return device, nil
}

// RemovePushDestination marks a push target on the caller's device inactive.
func (s *DeviceService) RemovePushDestination(ctx context.Context, principal *models.Principal, token string) (*models.DeviceRecord, error) {
	device, err := s.store.Mutate(ctx, principal.DeviceID, func(d *models.DeviceRecord, _ bool) error {
		if err := s.ownedActive(d, principal.Ref()); err != nil {
			return err
		}
		if !d.PushDestinations.Deactivate(token) {
			return appErrors.Clone(appErrors.ErrNotFound, "push destination not found")
		}
		return nil
	})
	if err != nil {
		return nil, s.storeError(err, "failed to remove push destination")
	}
	return device, nil
}

// SetBiometric toggles biometric unlock. Enabling is gated on trust score and
// hardware support; disabling is always allowed.
func (s *DeviceService) SetBiometric(ctx context.Context, principal *models.Principal, req models.BiometricRequest) (*models.DeviceRecord, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid biometric payload")
	}
	enable := *req.Enabled
	device, err := s.store.Mutate(ctx, principal.DeviceID, func(d *models.DeviceRecord, _ bool) error {
		if err := s.ownedActive(d, principal.Ref()); err != nil {
			return err
		}
		if enable {
			if !d.BiometricSupported {
				return appErrors.Clone(appErrors.ErrValidation, "device does not support biometrics")
			}
			if d.TrustScore < s.cfg.BiometricMinTrust {
				return appErrors.Clone(appErrors.ErrInsufficientTrust, "device trust score too low for biometric unlock")
			}
		}
		d.BiometricEnabled = enable
		return nil
	})
	if err != nil {
		return nil, s.storeError(err, "failed to update biometric setting")
	}
	s.observeTrust(device)
	return device, nil
}

// Deactivate disables a device and revokes every credential bound to it.
func (s *DeviceService) Deactivate(ctx context.Context, deviceID string) (*models.DeviceRecord, error) {
	device, err := s.store.Mutate(ctx, deviceID, func(d *models.DeviceRecord, _ bool) error {
		d.IsActive = false
		return nil
	})
	if err != nil {
		return nil, s.storeError(err, "failed to deactivate device")
	}
	revoked, err := s.tokens.RevokeDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("device deactivated", zap.String("device_id", deviceID), zap.Int64("revoked_tokens", revoked))
	return device, nil
}

// Reactivate re-enables a deactivated device.
func (s *DeviceService) Reactivate(ctx context.Context, deviceID string) (*models.DeviceRecord, error) {
	device, err := s.store.Mutate(ctx, deviceID, func(d *models.DeviceRecord, _ bool) error {
		d.IsActive = true
		return nil
	})
	if err != nil {
		return nil, s.storeError(err, "failed to reactivate device")
	}
	s.logger.Info("device reactivated", zap.String("device_id", deviceID))
	return device, nil
}

// SetTrusted sets the manual trust flag and recomputes the trust score.
func (s *DeviceService) SetTrusted(ctx context.Context, deviceID string, req models.TrustFlagRequest) (*models.DeviceRecord, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid trust payload")
	}
	trusted := *req.Trusted
	device, err := s.store.Mutate(ctx, deviceID, func(d *models.DeviceRecord, _ bool) error {
		d.IsTrusted = trusted
		return nil
	})
	if err != nil {
		return nil, s.storeError(err, "failed to update trust flag")
	}
	s.observeTrust(device)
	return device, nil
}

func (s *DeviceService) handleSessionJob(ctx context.Context, job jobs.Job) error {
	event, ok := job.Payload.(sessionEvent)
	if !ok {
		return errors.New("unexpected session event payload")
	}
	_, err := s.RecordSession(ctx, event.Owner, event.DeviceID, event.DurationSeconds)
	if appErrors.Is(err, appErrors.ErrForbidden) || appErrors.Is(err, appErrors.ErrDeviceDeactivated) {
		s.metrics.RecordSessionDropped()
		s.logger.Warn("session event skipped", zap.String("device_id", event.DeviceID), zap.String("owner", event.Owner.String()), zap.Error(err))
		return nil
	}
	return err
}

func (s *DeviceService) ownedActive(d *models.DeviceRecord, ref models.IdentityRef) error {
	if !d.OwnedBy(ref) {
		return appErrors.Clone(appErrors.ErrForbidden, "device is not bound to caller")
	}
	if !d.IsActive {
		return appErrors.Clone(appErrors.ErrDeviceDeactivated, "")
	}
	return nil
}

func (s *DeviceService) signatureAllowed(platform models.Platform, signature string) bool {
	for _, allowed := range s.cfg.AllowedSignatures[platform] {
		if allowed == signature {
			return true
		}
	}
	return false
}

func (s *DeviceService) observeTrust(device *models.DeviceRecord) {
	if device == nil {
		return
	}
	s.metrics.ObserveTrustScore(device.TrustScore)
	if s.cfg.TrustLogVerbose {
		b := models.ComputeTrust(device)
		s.logger.Debug("device trust recomputed",
			zap.String("device_id", device.DeviceID),
			zap.Int("base", b.Base),
			zap.Int("sessions", b.Sessions),
			zap.Int("biometric", b.Biometric),
			zap.Int("integrity", b.Integrity),
			zap.Int("manual", b.Manual),
			zap.Int("score", b.Score),
		)
		return
	}
	s.logger.Debug("device trust recomputed", zap.String("device_id", device.DeviceID), zap.Int("score", device.TrustScore))
}

func (s *DeviceService) storeError(err error, message string) error {
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	if errors.Is(err, sql.ErrNoRows) {
		return appErrors.Clone(appErrors.ErrNotFound, "device not found")
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, message)
}

func (s *DeviceService) now() time.Time {
	return s.cfg.Clock().UTC()
}

func newDeviceID() (string, error) {
	buf := make([]byte, deviceIDBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
