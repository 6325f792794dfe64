package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vnipet/device-auth/internal/models"
	"github.com/vnipet/device-auth/pkg/config"
	appErrors "github.com/vnipet/device-auth/pkg/errors"
)

const refreshSecretBytes = 32

type refreshTokenStore interface {
	Create(ctx context.Context, cred *models.RefreshCredential) error
	FindByHash(ctx context.Context, hash string) (*models.RefreshCredential, error)
	Rotate(ctx context.Context, oldHash string, next *models.RefreshCredential) error
	Revoke(ctx context.Context, hash string, at time.Time) (int64, error)
	RevokeAllForDevice(ctx context.Context, ref models.IdentityRef, deviceID string, at time.Time) (int64, error)
	RevokeAllForOwner(ctx context.Context, ref models.IdentityRef, at time.Time) (int64, error)
	RevokeAllOnDevice(ctx context.Context, deviceID string, at time.Time) (int64, error)
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// TokenConfig is the explicitly constructed signing and lifetime
// configuration of a TokenService. Keys maps kid to HMAC secret; ActiveKeyID
// selects the signing key and every other key stays valid for verification.
type TokenConfig struct {
	Keys          map[string]string
	ActiveKeyID   string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string
	Audience      []string
	Retention     time.Duration
	SweepInterval time.Duration
	Clock         func() time.Time
}

// NewTokenConfig assembles a TokenConfig from application configuration.
func NewTokenConfig(jwtCfg config.JWTConfig, refreshCfg config.RefreshConfig) TokenConfig {
	keys := make(map[string]string, len(jwtCfg.PreviousKeys)+1)
	for kid, secret := range jwtCfg.PreviousKeys {
		keys[kid] = secret
	}
	keys[jwtCfg.KeyID] = jwtCfg.Secret
	return TokenConfig{
		Keys:          keys,
		ActiveKeyID:   jwtCfg.KeyID,
		AccessTTL:     jwtCfg.Expiration,
		RefreshTTL:    refreshCfg.Expiration,
		Issuer:        jwtCfg.Issuer,
		Audience:      jwtCfg.Audience,
		Retention:     refreshCfg.Retention,
		SweepInterval: refreshCfg.SweepInterval,
	}
}

// RotationGuard inspects a verified refresh credential before it is rotated.
// Returning an error aborts the rotation without mutating anything.
type RotationGuard func(ctx context.Context, claims *models.RefreshClaims) error

// TokenService issues, verifies, rotates and revokes credentials.
type TokenService struct {
	store   refreshTokenStore
	cfg     TokenConfig
	parser  *jwt.Parser
	logger  *zap.Logger
	metrics *MetricsService
}

// NewTokenService constructs a TokenService.
func NewTokenService(store refreshTokenStore, cfg TokenConfig, logger *zap.Logger, metrics *MetricsService) (*TokenService, error) {
	if cfg.ActiveKeyID == "" || cfg.Keys[cfg.ActiveKeyID] == "" {
		return nil, errors.New("token service: active signing key is not configured")
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = time.Hour
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 30 * 24 * time.Hour
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(cfg.Clock),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if len(cfg.Audience) > 0 {
		opts = append(opts, jwt.WithAudience(cfg.Audience[0]))
	}

	return &TokenService{
		store:   store,
		cfg:     cfg,
		parser:  jwt.NewParser(opts...),
		logger:  logger,
		metrics: metrics,
	}, nil
}

// IssueTokenPair mints an access credential and persists a new refresh
// credential for ref on deviceID. Nothing is returned unless both exist.
func (s *TokenService) IssueTokenPair(ctx context.Context, ref models.IdentityRef, deviceID string) (*models.TokenPair, error) {
	if !ref.Role.CanAuthenticate() || ref.ID == "" || deviceID == "" {
		return nil, appErrors.Clone(appErrors.ErrIssuance, "cannot issue tokens for this identity")
	}
	now := s.now()

	pair, cred, err := s.mint(ref, deviceID, now)
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, cred); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrIssuance.Code, appErrors.ErrIssuance.Status, "failed to persist refresh token")
	}
	return pair, nil
}

// VerifyAccessToken checks signature, algorithm, issuer, audience and expiry.
// No storage is consulted.
func (s *TokenService) VerifyAccessToken(token string) (*models.AccessClaims, error) {
	claims := &models.AccessClaims{}
	parsed, err := s.parser.ParseWithClaims(token, claims, s.keyFunc)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, appErrors.Wrap(err, appErrors.ErrAccessTokenExpired.Code, appErrors.ErrAccessTokenExpired.Status, appErrors.ErrAccessTokenExpired.Message)
		}
		return nil, appErrors.Wrap(err, appErrors.ErrAccessTokenInvalid.Code, appErrors.ErrAccessTokenInvalid.Status, appErrors.ErrAccessTokenInvalid.Message)
	}
	if !parsed.Valid || claims.ID == "" || claims.DeviceID == "" || !claims.Role.CanAuthenticate() {
		return nil, appErrors.Clone(appErrors.ErrAccessTokenInvalid, "")
	}
	return claims, nil
}

// VerifyRefreshToken resolves a refresh credential. Not found, revoked and
// expired are reported through Reason; only storage failures are errors.
func (s *TokenService) VerifyRefreshToken(ctx context.Context, token string) (models.RefreshVerification, error) {
	if token == "" {
		return models.RefreshVerification{Reason: models.RefreshNotFound}, nil
	}
	cred, err := s.store.FindByHash(ctx, HashRefreshToken(token))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.RefreshVerification{Reason: models.RefreshNotFound}, nil
		}
		return models.RefreshVerification{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load refresh token")
	}
	if !cred.ValidAt(s.now()) {
		if cred.IsRevoked {
			return models.RefreshVerification{Reason: models.RefreshRevoked}, nil
		}
		return models.RefreshVerification{Reason: models.RefreshExpired}, nil
	}
	return models.RefreshVerification{Claims: &models.RefreshClaims{
		OwnerID:   cred.OwnerID,
		Role:      cred.OwnerRole,
		DeviceID:  cred.DeviceID,
		ExpiresAt: cred.ExpiresAt,
	}}, nil
}

// RotateToken exchanges oldToken for a fresh pair bound to the same identity
// and device. Guards run after verification and before any mutation. Of two
// concurrent rotations of the same token exactly one succeeds.
func (s *TokenService) RotateToken(ctx context.Context, oldToken string, guards ...RotationGuard) (*models.TokenPair, *models.RefreshClaims, error) {
	verification, err := s.VerifyRefreshToken(ctx, oldToken)
	if err != nil {
		return nil, nil, err
	}
	if !verification.OK() {
		s.reject(verification.Reason)
		return nil, nil, appErrors.Clone(appErrors.ErrInvalidRefreshToken, "")
	}
	claims := verification.Claims

	for _, guard := range guards {
		if err := guard(ctx, claims); err != nil {
			return nil, nil, err
		}
	}

	pair, next, err := s.mint(claims.Ref(), claims.DeviceID, s.now())
	if err != nil {
		return nil, nil, err
	}
	if err := s.store.Rotate(ctx, HashRefreshToken(oldToken), next); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.reject("rotation_lost")
			return nil, nil, appErrors.Clone(appErrors.ErrInvalidRefreshToken, "")
		}
		return nil, nil, appErrors.Wrap(err, appErrors.ErrIssuance.Code, appErrors.ErrIssuance.Status, "failed to rotate refresh token")
	}
	return pair, claims, nil
}

// Revoke invalidates one refresh credential and reports how many rows it
// changed. Unknown and already revoked tokens report zero.
func (s *TokenService) Revoke(ctx context.Context, token string) (int64, error) {
	if token == "" {
		return 0, nil
	}
	n, err := s.store.Revoke(ctx, HashRefreshToken(token), s.now())
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke refresh token")
	}
	return n, nil
}

// RevokeAllForDevice invalidates every credential ref holds on deviceID.
func (s *TokenService) RevokeAllForDevice(ctx context.Context, ref models.IdentityRef, deviceID string) (int64, error) {
	n, err := s.store.RevokeAllForDevice(ctx, ref, deviceID, s.now())
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke device tokens")
	}
	return n, nil
}

// RevokeAllForOwner invalidates every credential ref holds on every device.
func (s *TokenService) RevokeAllForOwner(ctx context.Context, ref models.IdentityRef) (int64, error) {
	n, err := s.store.RevokeAllForOwner(ctx, ref, s.now())
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke owner tokens")
	}
	s.logger.Info("revoked all refresh tokens for identity", zap.String("identity", ref.String()), zap.Int64("count", n))
	return n, nil
}

// RevokeDevice invalidates every credential bound to deviceID, whoever holds it.
func (s *TokenService) RevokeDevice(ctx context.Context, deviceID string) (int64, error) {
	n, err := s.store.RevokeAllOnDevice(ctx, deviceID, s.now())
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke device tokens")
	}
	return n, nil
}

// Sweep deletes credentials that expired more than the retention window ago.
func (s *TokenService) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.cfg.Retention)
	n, err := s.store.DeleteExpiredBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	s.metrics.RecordSweep(n)
	return n, nil
}

// StartSweeper runs Sweep on every SweepInterval tick until ctx is done.
func (s *TokenService) StartSweeper(ctx context.Context) {
	if s.cfg.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.SweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.Sweep(ctx)
				if err != nil {
					s.logger.Sugar().Warnw("refresh token sweep failed", "error", err)
					continue
				}
				if n > 0 {
					s.logger.Sugar().Infow("refresh tokens swept", "deleted", n)
				}
			}
		}
	}()
}

func (s *TokenService) mint(ref models.IdentityRef, deviceID string, now time.Time) (*models.TokenPair, *models.RefreshCredential, error) {
	now = now.UTC()
	access, accessExpiry, err := s.signAccess(ref, deviceID, now)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrIssuance.Code, appErrors.ErrIssuance.Status, "failed to sign access token")
	}
	secret, err := newRefreshSecret()
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrIssuance.Code, appErrors.ErrIssuance.Status, "failed to generate refresh token")
	}
	cred := &models.RefreshCredential{
		TokenHash: HashRefreshToken(secret),
		OwnerID:   ref.ID,
		OwnerRole: ref.Role,
		DeviceID:  deviceID,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.cfg.RefreshTTL),
	}
	return &models.TokenPair{
		AccessToken:   access,
		RefreshToken:  secret,
		AccessExpiry:  accessExpiry,
		RefreshExpiry: cred.ExpiresAt,
	}, cred, nil
}

func (s *TokenService) signAccess(ref models.IdentityRef, deviceID string, now time.Time) (string, time.Time, error) {
	expiresAt := now.Add(s.cfg.AccessTTL)
	claims := &models.AccessClaims{
		ID:       ref.ID,
		Role:     ref.Role,
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.cfg.Issuer,
			Subject:   ref.ID,
			Audience:  s.cfg.Audience,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = s.cfg.ActiveKeyID
	signed, err := token.SignedString([]byte(s.cfg.Keys[s.cfg.ActiveKeyID]))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func (s *TokenService) keyFunc(token *jwt.Token) (interface{}, error) {
	kid, _ := token.Header["kid"].(string)
	secret, ok := s.cfg.Keys[kid]
	if !ok || secret == "" {
		return nil, fmt.Errorf("unknown signing key %q", kid)
	}
	return []byte(secret), nil
}

func (s *TokenService) reject(reason models.RefreshRejection) {
	s.metrics.RecordRefreshRejected(string(reason))
	s.logger.Debug("refresh token rejected", zap.String("reason", string(reason)))
}

func (s *TokenService) now() time.Time {
	return s.cfg.Clock().UTC()
}

// HashRefreshToken returns the storage key of a refresh secret.
func HashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func newRefreshSecret() (string, error) {
	buf := make([]byte, refreshSecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
