package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnipet/device-auth/internal/models"
	appErrors "github.com/vnipet/device-auth/pkg/errors"
)

const (
	testDeviceOne   = "0123456789abcdef0123456789abcdef"
	testDeviceTwo   = "fedcba9876543210fedcba9876543210"
	testDeviceThree = "00112233445566778899aabbccddeeff"
)

func newTestTokenConfig(clock *fakeClock) TokenConfig {
	return TokenConfig{
		Keys:        map[string]string{"k1": "first-secret"},
		ActiveKeyID: "k1",
		AccessTTL:   time.Hour,
		RefreshTTL:  30 * 24 * time.Hour,
		Issuer:      "vnipet-auth",
		Audience:    []string{"vnipet-app"},
		Retention:   7 * 24 * time.Hour,
		Clock:       clock.Now,
	}
}

func newTestTokenService(t *testing.T) (*TokenService, *memRefreshStore, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	store := newMemRefreshStore()
	svc, err := NewTokenService(store, newTestTokenConfig(clock), nil, nil)
	require.NoError(t, err)
	return svc, store, clock
}

func TestNewTokenServiceRequiresActiveKey(t *testing.T) {
	_, err := NewTokenService(newMemRefreshStore(), TokenConfig{ActiveKeyID: "missing", Keys: map[string]string{"k1": "s"}}, nil, nil)
	assert.Error(t, err)
}

func TestIssueThenVerifyRoundTrip(t *testing.T) {
	svc, _, clock := newTestTokenService(t)
	ctx := context.Background()

	pair, err := svc.IssueTokenPair(ctx, models.OwnerRef("u1"), testDeviceOne)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(time.Hour), pair.AccessExpiry)
	assert.Equal(t, clock.Now().Add(30*24*time.Hour), pair.RefreshExpiry)
	assert.Len(t, pair.RefreshToken, 43)

	claims, err := svc.VerifyAccessToken(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.ID)
	assert.Equal(t, models.RoleOwner, claims.Role)
	assert.Equal(t, testDeviceOne, claims.DeviceID)
	assert.NotEmpty(t, claims.RegisteredClaims.ID)

	verification, err := svc.VerifyRefreshToken(ctx, pair.RefreshToken)
	require.NoError(t, err)
	require.True(t, verification.OK())
	assert.Equal(t, "u1", verification.Claims.OwnerID)
	assert.Equal(t, testDeviceOne, verification.Claims.DeviceID)
	assert.Equal(t, models.RoleOwner, verification.Claims.Role)
}

func TestIssueStoresOnlyDigest(t *testing.T) {
	svc, store, _ := newTestTokenService(t)

	pair, err := svc.IssueTokenPair(context.Background(), models.OwnerRef("u1"), testDeviceOne)
	require.NoError(t, err)

	_, err = store.FindByHash(context.Background(), pair.RefreshToken)
	assert.Error(t, err)
	_, err = store.FindByHash(context.Background(), HashRefreshToken(pair.RefreshToken))
	assert.NoError(t, err)
}

func TestIssueRejectsGuestRole(t *testing.T) {
	svc, store, _ := newTestTokenService(t)

	_, err := svc.IssueTokenPair(context.Background(), models.IdentityRef{Role: models.RoleGuest, ID: "g1"}, testDeviceOne)
	assert.True(t, appErrors.Is(err, appErrors.ErrIssuance))
	assert.Zero(t, store.count())
}

func TestIssuanceFailureReturnsNoPair(t *testing.T) {
	svc, store, _ := newTestTokenService(t)
	store.createErr = errors.New("db down")

	pair, err := svc.IssueTokenPair(context.Background(), models.OwnerRef("u1"), testDeviceOne)
	assert.Nil(t, pair)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrIssuance))
	assert.Equal(t, 500, appErrors.FromError(err).Status)
}

func TestRotationIsSingleUse(t *testing.T) {
	svc, _, _ := newTestTokenService(t)
	ctx := context.Background()

	first, err := svc.IssueTokenPair(ctx, models.OwnerRef("u1"), testDeviceOne)
	require.NoError(t, err)

	second, claims, err := svc.RotateToken(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, testDeviceOne, claims.DeviceID)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	old, err := svc.VerifyRefreshToken(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, models.RefreshRevoked, old.Reason)

	_, _, err = svc.RotateToken(ctx, first.RefreshToken)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidRefreshToken))

	current, err := svc.VerifyRefreshToken(ctx, second.RefreshToken)
	require.NoError(t, err)
	assert.True(t, current.OK())
}

func TestRotationLinksSuccessor(t *testing.T) {
	svc, store, _ := newTestTokenService(t)
	ctx := context.Background()

	first, err := svc.IssueTokenPair(ctx, models.OwnerRef("u1"), testDeviceOne)
	require.NoError(t, err)
	second, _, err := svc.RotateToken(ctx, first.RefreshToken)
	require.NoError(t, err)

	stored, err := store.FindByHash(ctx, HashRefreshToken(first.RefreshToken))
	require.NoError(t, err)
	require.NotNil(t, stored.ReplacedBy)
	assert.Equal(t, HashRefreshToken(second.RefreshToken), *stored.ReplacedBy)
}

func TestConcurrentRotationHasExactlyOneWinner(t *testing.T) {
	svc, _, _ := newTestTokenService(t)
	ctx := context.Background()

	pair, err := svc.IssueTokenPair(ctx, models.OwnerRef("u1"), testDeviceOne)
	require.NoError(t, err)

	const callers = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  []*models.TokenPair
		rejected int
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			next, _, err := svc.RotateToken(ctx, pair.RefreshToken)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners = append(winners, next)
				return
			}
			if appErrors.Is(err, appErrors.ErrInvalidRefreshToken) {
				rejected++
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, callers-1, rejected)
}

func TestRotationGuardAbortsWithoutMutation(t *testing.T) {
	svc, _, _ := newTestTokenService(t)
	ctx := context.Background()

	pair, err := svc.IssueTokenPair(ctx, models.OwnerRef("u1"), testDeviceOne)
	require.NoError(t, err)

	denied := appErrors.Clone(appErrors.ErrDeviceDeactivated, "")
	_, _, err = svc.RotateToken(ctx, pair.RefreshToken, func(ctx context.Context, claims *models.RefreshClaims) error {
		return denied
	})
	assert.Equal(t, denied, err)

	verification, err := svc.VerifyRefreshToken(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.True(t, verification.OK())
}

func TestRevokeIsIdempotent(t *testing.T) {
	svc, _, _ := newTestTokenService(t)
	ctx := context.Background()

	pair, err := svc.IssueTokenPair(ctx, models.OwnerRef("u1"), testDeviceOne)
	require.NoError(t, err)

	revoked, err := svc.Revoke(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, int64(1), revoked)
	verification, err := svc.VerifyRefreshToken(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.False(t, verification.OK())
	assert.Equal(t, models.RefreshRevoked, verification.Reason)

	revoked, err = svc.Revoke(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.Zero(t, revoked)

	revoked, err = svc.Revoke(ctx, "never-issued")
	assert.NoError(t, err)
	assert.Zero(t, revoked)
}

func TestRevokeAllForOwnerSpansDevices(t *testing.T) {
	svc, _, _ := newTestTokenService(t)
	ctx := context.Background()

	a, err := svc.IssueTokenPair(ctx, models.OwnerRef("u1"), testDeviceOne)
	require.NoError(t, err)
	b, err := svc.IssueTokenPair(ctx, models.OwnerRef("u1"), testDeviceTwo)
	require.NoError(t, err)
	other, err := svc.IssueTokenPair(ctx, models.OwnerRef("u2"), testDeviceThree)
	require.NoError(t, err)
	// Same id in the admin space is a different identity.
	admin, err := svc.IssueTokenPair(ctx, models.AdminRef("u1"), testDeviceThree)
	require.NoError(t, err)

	n, err := svc.RevokeAllForOwner(ctx, models.OwnerRef("u1"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	for _, token := range []string{a.RefreshToken, b.RefreshToken} {
		v, err := svc.VerifyRefreshToken(ctx, token)
		require.NoError(t, err)
		assert.False(t, v.OK())
	}
	for _, token := range []string{other.RefreshToken, admin.RefreshToken} {
		v, err := svc.VerifyRefreshToken(ctx, token)
		require.NoError(t, err)
		assert.True(t, v.OK())
	}
}

func TestRevokeAllForDeviceLeavesOtherDevices(t *testing.T) {
	svc, _, _ := newTestTokenService(t)
	ctx := context.Background()

	a, err := svc.IssueTokenPair(ctx, models.OwnerRef("u1"), testDeviceOne)
	require.NoError(t, err)
	b, err := svc.IssueTokenPair(ctx, models.OwnerRef("u1"), testDeviceTwo)
	require.NoError(t, err)

	_, err = svc.RevokeAllForDevice(ctx, models.OwnerRef("u1"), testDeviceOne)
	require.NoError(t, err)

	va, _ := svc.VerifyRefreshToken(ctx, a.RefreshToken)
	vb, _ := svc.VerifyRefreshToken(ctx, b.RefreshToken)
	assert.False(t, va.OK())
	assert.True(t, vb.OK())
}

func TestVerifyRefreshTokenReasons(t *testing.T) {
	svc, _, clock := newTestTokenService(t)
	ctx := context.Background()

	v, err := svc.VerifyRefreshToken(ctx, "unknown")
	require.NoError(t, err)
	assert.Equal(t, models.RefreshNotFound, v.Reason)

	pair, err := svc.IssueTokenPair(ctx, models.OwnerRef("u1"), testDeviceOne)
	require.NoError(t, err)
	clock.Advance(30 * 24 * time.Hour)

	v, err = svc.VerifyRefreshToken(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, models.RefreshExpired, v.Reason)
	assert.Nil(t, v.Claims)

	_, _, err = svc.RotateToken(ctx, pair.RefreshToken)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidRefreshToken))
}

func TestVerifyAccessTokenExpiredIsDistinct(t *testing.T) {
	svc, _, clock := newTestTokenService(t)

	pair, err := svc.IssueTokenPair(context.Background(), models.OwnerRef("u1"), testDeviceOne)
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)

	_, err = svc.VerifyAccessToken(pair.AccessToken)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrAccessTokenExpired))
	assert.Equal(t, 401, appErrors.FromError(err).Status)
}

func TestVerifyAccessTokenRejectsForgery(t *testing.T) {
	svc, _, clock := newTestTokenService(t)
	now := clock.Now()

	sign := func(kid, secret string, method jwt.SigningMethod, key interface{}) string {
		claims := &models.AccessClaims{
			ID:       "u1",
			Role:     models.RoleAdmin,
			DeviceID: testDeviceOne,
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    "vnipet-auth",
				Audience:  jwt.ClaimStrings{"vnipet-app"},
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
				IssuedAt:  jwt.NewNumericDate(now),
			},
		}
		token := jwt.NewWithClaims(method, claims)
		token.Header["kid"] = kid
		if key == nil {
			key = []byte(secret)
		}
		signed, err := token.SignedString(key)
		require.NoError(t, err)
		return signed
	}

	cases := map[string]string{
		"wrong secret": sign("k1", "guessed", jwt.SigningMethodHS256, nil),
		"unknown kid":  sign("k9", "first-secret", jwt.SigningMethodHS256, nil),
		"alg none":     sign("k1", "", jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType),
		"wrong alg":    sign("k1", "first-secret", jwt.SigningMethodHS512, nil),
		"garbage":      "not.a.token",
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.VerifyAccessToken(token)
			require.Error(t, err)
			assert.True(t, appErrors.Is(err, appErrors.ErrAccessTokenInvalid))
		})
	}
}

func TestVerifyAccessTokenChecksAudience(t *testing.T) {
	clock := newFakeClock()
	issuer, err := NewTokenService(newMemRefreshStore(), newTestTokenConfig(clock), nil, nil)
	require.NoError(t, err)
	cfg := newTestTokenConfig(clock)
	cfg.Audience = []string{"another-app"}
	verifier, err := NewTokenService(newMemRefreshStore(), cfg, nil, nil)
	require.NoError(t, err)

	pair, err := issuer.IssueTokenPair(context.Background(), models.OwnerRef("u1"), testDeviceOne)
	require.NoError(t, err)

	_, err = verifier.VerifyAccessToken(pair.AccessToken)
	assert.True(t, appErrors.Is(err, appErrors.ErrAccessTokenInvalid))
}

func TestPreviousKeyRemainsVerifiable(t *testing.T) {
	clock := newFakeClock()
	oldSvc, err := NewTokenService(newMemRefreshStore(), newTestTokenConfig(clock), nil, nil)
	require.NoError(t, err)
	pair, err := oldSvc.IssueTokenPair(context.Background(), models.OwnerRef("u1"), testDeviceOne)
	require.NoError(t, err)

	rotated := newTestTokenConfig(clock)
	rotated.Keys = map[string]string{"k2": "second-secret", "k1": "first-secret"}
	rotated.ActiveKeyID = "k2"
	newSvc, err := NewTokenService(newMemRefreshStore(), rotated, nil, nil)
	require.NoError(t, err)

	claims, err := newSvc.VerifyAccessToken(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.ID)

	retired := newTestTokenConfig(clock)
	retired.Keys = map[string]string{"k2": "second-secret"}
	retired.ActiveKeyID = "k2"
	retiredSvc, err := NewTokenService(newMemRefreshStore(), retired, nil, nil)
	require.NoError(t, err)
	_, err = retiredSvc.VerifyAccessToken(pair.AccessToken)
	assert.True(t, appErrors.Is(err, appErrors.ErrAccessTokenInvalid))
}

func TestSweepDeletesPastRetentionOnly(t *testing.T) {
	svc, store, clock := newTestTokenService(t)
	ctx := context.Background()

	_, err := svc.IssueTokenPair(ctx, models.OwnerRef("u1"), testDeviceOne)
	require.NoError(t, err)
	clock.Advance(20 * 24 * time.Hour)
	_, err = svc.IssueTokenPair(ctx, models.OwnerRef("u1"), testDeviceTwo)
	require.NoError(t, err)

	// First token expired 8 days ago, second is still live.
	clock.Advance(18 * 24 * time.Hour)
	n, err := svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1, store.count())
}
