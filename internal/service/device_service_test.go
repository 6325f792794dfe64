package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnipet/device-auth/internal/models"
	appErrors "github.com/vnipet/device-auth/pkg/errors"
)

func newTestDeviceService(t *testing.T) (*DeviceService, *memDeviceStore, *fakeRevoker) {
	t.Helper()
	store := newMemDeviceStore()
	revoker := &fakeRevoker{}
	svc := NewDeviceService(store, revoker, nil, nil, nil, DeviceConfig{
		AllowedSignatures: map[models.Platform][]string{
			models.PlatformIOS:     {"com.vnipet.app"},
			models.PlatformAndroid: {"com.vnipet.android"},
		},
		BiometricMinTrust: 60,
		PushMinTrust:      50,
		SessionWorkers:    2,
		TrustLogVerbose:   true,
	})
	return svc, store, revoker
}

func boolPtr(v bool) *bool { return &v }

func strPtr(v string) *string { return &v }

func ownerPrincipal(id, deviceID string) *models.Principal {
	return &models.Principal{ID: id, Role: models.RoleOwner, DeviceID: deviceID}
}

func TestAdmitDeviceAcceptsAllowListedSignature(t *testing.T) {
	svc, store, _ := newTestDeviceService(t)

	first, err := svc.AdmitDevice(context.Background(), models.DeviceRegisterRequest{
		ApplicationSignature: "com.vnipet.app",
		Platform:             models.PlatformIOS,
	})
	require.NoError(t, err)
	assert.Regexp(t, "^[0-9a-f]{32}$", first.DeviceID)

	second, err := svc.AdmitDevice(context.Background(), models.DeviceRegisterRequest{
		ApplicationSignature: "com.vnipet.app",
		Platform:             models.PlatformIOS,
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.DeviceID, second.DeviceID)

	// Admission alone stores nothing.
	_, err = store.FindByID(context.Background(), first.DeviceID)
	assert.Error(t, err)
}

func TestAdmitDeviceRejectsUnknownSignature(t *testing.T) {
	svc, _, _ := newTestDeviceService(t)

	cases := []models.DeviceRegisterRequest{
		{ApplicationSignature: "com.evil.app", Platform: models.PlatformIOS},
		{ApplicationSignature: "com.vnipet.android", Platform: models.PlatformIOS},
	}
	for _, req := range cases {
		_, err := svc.AdmitDevice(context.Background(), req)
		require.Error(t, err)
		assert.True(t, appErrors.Is(err, appErrors.ErrUntrustedApplication))
	}

	_, err := svc.AdmitDevice(context.Background(), models.DeviceRegisterRequest{ApplicationSignature: "com.vnipet.app", Platform: "windows"})
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestBindDeviceOnLoginCreatesBaseRecord(t *testing.T) {
	svc, _, _ := newTestDeviceService(t)

	device, err := svc.BindDeviceOnLogin(context.Background(), testDeviceOne, models.OwnerRef("u1"), models.DeviceInfo{
		Platform:    models.PlatformIOS,
		DeviceModel: strPtr("iPhone15,2"),
	})
	require.NoError(t, err)
	assert.True(t, device.IsActive)
	assert.Equal(t, models.TrustBase, device.TrustScore)
	assert.Equal(t, "iPhone15,2", device.DeviceModel)
	assert.True(t, device.OwnedBy(models.OwnerRef("u1")))
	require.NotNil(t, device.LastLoginAt)
}

func TestBindDeviceOnLoginMergesAndRecomputes(t *testing.T) {
	svc, _, _ := newTestDeviceService(t)
	ctx := context.Background()

	_, err := svc.BindDeviceOnLogin(ctx, testDeviceOne, models.OwnerRef("u1"), models.DeviceInfo{DeviceName: strPtr("Old")})
	require.NoError(t, err)

	device, err := svc.BindDeviceOnLogin(ctx, testDeviceOne, models.OwnerRef("u1"), models.DeviceInfo{OSVersion: strPtr("17.4")})
	require.NoError(t, err)
	assert.Equal(t, "Old", device.DeviceName)
	assert.Equal(t, "17.4", device.OSVersion)
	assert.Equal(t, models.TrustBase+models.TrustIntegrityBonus, device.TrustScore)
}

func TestBindDeviceOnLoginRefusesDeactivatedDevice(t *testing.T) {
	svc, store, _ := newTestDeviceService(t)
	owner := "u1"
	store.put(models.DeviceRecord{DeviceID: testDeviceOne, OwnerID: &owner, OwnerRole: models.RoleOwner, IsActive: false})

	_, err := svc.BindDeviceOnLogin(context.Background(), testDeviceOne, models.OwnerRef("u1"), models.DeviceInfo{})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrDeviceDeactivated))
}

func TestBindDeviceOnLoginRejectsUntrustedSignatureInInfo(t *testing.T) {
	svc, _, _ := newTestDeviceService(t)

	_, err := svc.BindDeviceOnLogin(context.Background(), testDeviceOne, models.OwnerRef("u1"), models.DeviceInfo{
		Platform:             models.PlatformAndroid,
		ApplicationSignature: strPtr("com.vnipet.app"),
	})
	assert.True(t, appErrors.Is(err, appErrors.ErrUntrustedApplication))
}

func TestBindDeviceOnLoginRebindsToNewOwner(t *testing.T) {
	svc, store, revoker := newTestDeviceService(t)
	previous := "u1"
	store.put(models.DeviceRecord{
		DeviceID:     testDeviceOne,
		OwnerID:      &previous,
		OwnerRole:    models.RoleOwner,
		IsActive:     true,
		IsTrusted:    true,
		Capabilities: models.Capabilities{BiometricSupported: true, BiometricEnabled: true},
	})

	device, err := svc.BindDeviceOnLogin(context.Background(), testDeviceOne, models.OwnerRef("u2"), models.DeviceInfo{})
	require.NoError(t, err)
	assert.True(t, device.OwnedBy(models.OwnerRef("u2")))
	assert.False(t, device.IsTrusted)
	assert.False(t, device.BiometricEnabled)
	assert.Equal(t, []models.IdentityRef{models.OwnerRef("u1")}, revoker.forDevice)
}

func TestBindDeviceOnLoginKeepsRebindWhenRevokeFails(t *testing.T) {
	svc, store, revoker := newTestDeviceService(t)
	ctx := context.Background()
	_, err := svc.BindDeviceOnLogin(ctx, testDeviceOne, models.OwnerRef("u1"), models.DeviceInfo{})
	require.NoError(t, err)

	revoker.err = errors.New("revoke failed")
	device, err := svc.BindDeviceOnLogin(ctx, testDeviceOne, models.OwnerRef("u2"), models.DeviceInfo{})
	require.NoError(t, err)
	assert.True(t, device.OwnedBy(models.OwnerRef("u2")))
	assert.Equal(t, []models.IdentityRef{models.OwnerRef("u1")}, revoker.forDevice)

	stored, err := store.FindByID(ctx, testDeviceOne)
	require.NoError(t, err)
	assert.True(t, stored.OwnedBy(models.OwnerRef("u2")))
}

func TestRecordSessionAccumulates(t *testing.T) {
	svc, _, _ := newTestDeviceService(t)
	ctx := context.Background()
	_, err := svc.BindDeviceOnLogin(ctx, testDeviceOne, models.OwnerRef("u1"), models.DeviceInfo{})
	require.NoError(t, err)

	_, err = svc.RecordSession(ctx, models.OwnerRef("u1"), testDeviceOne, 100)
	require.NoError(t, err)
	device, err := svc.RecordSession(ctx, models.OwnerRef("u1"), testDeviceOne, 300)
	require.NoError(t, err)

	assert.Equal(t, int64(2), device.SessionCount)
	assert.Equal(t, int64(400), device.TotalUsageTime)
	assert.InDelta(t, 200.0, device.AverageSessionDuration, 0.0001)
	assert.Equal(t, int64(300), device.LastSessionDuration)
}

func TestRecordSessionIgnoresNonPositiveDuration(t *testing.T) {
	svc, store, _ := newTestDeviceService(t)
	ctx := context.Background()
	_, err := svc.BindDeviceOnLogin(ctx, testDeviceOne, models.OwnerRef("u1"), models.DeviceInfo{})
	require.NoError(t, err)

	for _, d := range []int64{0, -5} {
		device, err := svc.RecordSession(ctx, models.OwnerRef("u1"), testDeviceOne, d)
		require.NoError(t, err)
		assert.Nil(t, device)
	}
	stored, err := store.FindByID(ctx, testDeviceOne)
	require.NoError(t, err)
	assert.Zero(t, stored.SessionCount)
}

func TestRecordSessionConcurrentEventsAreNotLost(t *testing.T) {
	svc, _, _ := newTestDeviceService(t)
	ctx := context.Background()
	_, err := svc.BindDeviceOnLogin(ctx, testDeviceOne, models.OwnerRef("u1"), models.DeviceInfo{})
	require.NoError(t, err)

	const events = 25
	var wg sync.WaitGroup
	for i := 0; i < events; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.RecordSession(ctx, models.OwnerRef("u1"), testDeviceOne, 10)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	device, err := svc.Get(ctx, testDeviceOne)
	require.NoError(t, err)
	assert.Equal(t, int64(events), device.SessionCount)
	assert.Equal(t, int64(events*10), device.TotalUsageTime)
	// More than ten sessions earns the activity bonus.
	assert.Equal(t, models.TrustBase+models.TrustSessionBonus+models.TrustIntegrityBonus, device.TrustScore)
}

func TestEnqueueSessionIsProcessedByWorkers(t *testing.T) {
	svc, store, _ := newTestDeviceService(t)
	ctx := context.Background()
	_, err := svc.BindDeviceOnLogin(ctx, testDeviceOne, models.OwnerRef("u1"), models.DeviceInfo{})
	require.NoError(t, err)

	svc.StartSessionWorkers(ctx)
	svc.EnqueueSession(models.OwnerRef("u1"), testDeviceOne, 42)
	svc.StopSessionWorkers()

	device, err := store.FindByID(ctx, testDeviceOne)
	require.NoError(t, err)
	assert.Equal(t, int64(1), device.SessionCount)
	assert.Equal(t, int64(42), device.LastSessionDuration)
}

func TestRecordSessionRequiresOwnedActiveDevice(t *testing.T) {
	svc, store, _ := newTestDeviceService(t)
	ctx := context.Background()
	_, err := svc.BindDeviceOnLogin(ctx, testDeviceOne, models.OwnerRef("u1"), models.DeviceInfo{})
	require.NoError(t, err)
	_, err = svc.BindDeviceOnLogin(ctx, testDeviceOne, models.OwnerRef("u2"), models.DeviceInfo{})
	require.NoError(t, err)

	_, err = svc.RecordSession(ctx, models.OwnerRef("u1"), testDeviceOne, 60)
	assert.True(t, appErrors.Is(err, appErrors.ErrForbidden))

	_, err = svc.Deactivate(ctx, testDeviceOne)
	require.NoError(t, err)
	_, err = svc.RecordSession(ctx, models.OwnerRef("u2"), testDeviceOne, 60)
	assert.True(t, appErrors.Is(err, appErrors.ErrDeviceDeactivated))

	stored, err := store.FindByID(ctx, testDeviceOne)
	require.NoError(t, err)
	assert.Zero(t, stored.SessionCount)
}

func TestEnqueueSessionSkipsDeviceLostToRebind(t *testing.T) {
	svc, store, _ := newTestDeviceService(t)
	ctx := context.Background()
	_, err := svc.BindDeviceOnLogin(ctx, testDeviceOne, models.OwnerRef("u1"), models.DeviceInfo{})
	require.NoError(t, err)
	_, err = svc.BindDeviceOnLogin(ctx, testDeviceOne, models.OwnerRef("u2"), models.DeviceInfo{})
	require.NoError(t, err)

	svc.StartSessionWorkers(ctx)
	for i := 0; i < 11; i++ {
		svc.EnqueueSession(models.OwnerRef("u1"), testDeviceOne, 60)
	}
	svc.StopSessionWorkers()

	device, err := store.FindByID(ctx, testDeviceOne)
	require.NoError(t, err)
	assert.True(t, device.OwnedBy(models.OwnerRef("u2")))
	assert.Zero(t, device.SessionCount)
	assert.Equal(t, models.TrustBase+models.TrustIntegrityBonus, device.TrustScore)
}

func TestRecordSessionUnknownDevice(t *testing.T) {
	svc, _, _ := newTestDeviceService(t)

	_, err := svc.RecordSession(context.Background(), models.OwnerRef("u1"), testDeviceTwo, 10)
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))
}

func TestRegisterPushDestinationIsUniqueByToken(t *testing.T) {
	svc, _, _ := newTestDeviceService(t)
	ctx := context.Background()
	_, err := svc.BindDeviceOnLogin(ctx, testDeviceOne, models.OwnerRef("u1"), models.DeviceInfo{})
	require.NoError(t, err)
	caller := ownerPrincipal("u1", testDeviceOne)

	_, err = svc.RegisterPushDestination(ctx, caller, models.PushDestinationRequest{Token: "tok-a", ChannelType: models.ChannelAPNS})
	require.NoError(t, err)
	_, err = svc.RemovePushDestination(ctx, caller, "tok-a")
	require.NoError(t, err)
	_, err = svc.RegisterPushDestination(ctx, caller, models.PushDestinationRequest{Token: "tok-b", ChannelType: models.ChannelFCM})
	require.NoError(t, err)
	device, err := svc.RegisterPushDestination(ctx, caller, models.PushDestinationRequest{Token: "tok-a", ChannelType: models.ChannelAPNS})
	require.NoError(t, err)

	require.Len(t, device.PushDestinations, 2)
	assert.Equal(t, "tok-a", device.PushDestinations[0].Token)
	assert.True(t, device.PushDestinations[0].IsActive)
	assert.Len(t, device.PushDestinations.Active(), 2)
}

func TestRegisterPushDestinationRequiresTrust(t *testing.T) {
	svc, store, _ := newTestDeviceService(t)
	owner := "u1"
	store.put(models.DeviceRecord{
		DeviceID: testDeviceOne, OwnerID: &owner, OwnerRole: models.RoleOwner, IsActive: true, TrustScore: 40,
		Capabilities: models.Capabilities{Jailbroken: true},
	})

	_, err := svc.RegisterPushDestination(context.Background(), ownerPrincipal("u1", testDeviceOne), models.PushDestinationRequest{Token: "tok", ChannelType: models.ChannelFCM})
	assert.True(t, appErrors.Is(err, appErrors.ErrInsufficientTrust))
}

func TestPushDestinationRequiresOwnership(t *testing.T) {
	svc, _, _ := newTestDeviceService(t)
	ctx := context.Background()
	_, err := svc.BindDeviceOnLogin(ctx, testDeviceOne, models.OwnerRef("u1"), models.DeviceInfo{})
	require.NoError(t, err)

	_, err = svc.RegisterPushDestination(ctx, ownerPrincipal("u2", testDeviceOne), models.PushDestinationRequest{Token: "tok", ChannelType: models.ChannelFCM})
	assert.True(t, appErrors.Is(err, appErrors.ErrForbidden))

	_, err = svc.RemovePushDestination(ctx, ownerPrincipal("u1", testDeviceOne), "missing")
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))
}

func TestSetBiometricGates(t *testing.T) {
	svc, store, _ := newTestDeviceService(t)
	ctx := context.Background()
	owner := "u1"
	store.put(models.DeviceRecord{
		DeviceID: testDeviceOne, OwnerID: &owner, OwnerRole: models.RoleOwner, IsActive: true, TrustScore: 60,
		Capabilities: models.Capabilities{BiometricSupported: true},
	})
	caller := ownerPrincipal("u1", testDeviceOne)

	device, err := svc.SetBiometric(ctx, caller, models.BiometricRequest{Enabled: boolPtr(true)})
	require.NoError(t, err)
	assert.True(t, device.BiometricEnabled)
	assert.Equal(t, models.TrustBase+models.TrustBiometricBonus+models.TrustIntegrityBonus, device.TrustScore)

	device, err = svc.SetBiometric(ctx, caller, models.BiometricRequest{Enabled: boolPtr(false)})
	require.NoError(t, err)
	assert.False(t, device.BiometricEnabled)

	_, err = svc.SetBiometric(ctx, caller, models.BiometricRequest{})
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestSetBiometricRejectsLowTrustAndUnsupported(t *testing.T) {
	svc, store, _ := newTestDeviceService(t)
	ctx := context.Background()
	owner := "u1"
	store.put(models.DeviceRecord{
		DeviceID: testDeviceOne, OwnerID: &owner, OwnerRole: models.RoleOwner, IsActive: true, TrustScore: 50,
		Capabilities: models.Capabilities{BiometricSupported: true},
	})
	store.put(models.DeviceRecord{
		DeviceID: testDeviceTwo, OwnerID: &owner, OwnerRole: models.RoleOwner, IsActive: true, TrustScore: 90,
	})

	_, err := svc.SetBiometric(ctx, ownerPrincipal("u1", testDeviceOne), models.BiometricRequest{Enabled: boolPtr(true)})
	assert.True(t, appErrors.Is(err, appErrors.ErrInsufficientTrust))

	_, err = svc.SetBiometric(ctx, ownerPrincipal("u1", testDeviceTwo), models.BiometricRequest{Enabled: boolPtr(true)})
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestDeactivateRevokesAndBlocksLogin(t *testing.T) {
	svc, _, revoker := newTestDeviceService(t)
	ctx := context.Background()
	_, err := svc.BindDeviceOnLogin(ctx, testDeviceOne, models.OwnerRef("u1"), models.DeviceInfo{})
	require.NoError(t, err)

	device, err := svc.Deactivate(ctx, testDeviceOne)
	require.NoError(t, err)
	assert.False(t, device.IsActive)
	assert.Equal(t, []string{testDeviceOne}, revoker.devicesCut)

	_, err = svc.RequireActive(ctx, testDeviceOne)
	assert.True(t, appErrors.Is(err, appErrors.ErrDeviceDeactivated))
	_, err = svc.BindDeviceOnLogin(ctx, testDeviceOne, models.OwnerRef("u1"), models.DeviceInfo{})
	assert.True(t, appErrors.Is(err, appErrors.ErrDeviceDeactivated))

	_, err = svc.Reactivate(ctx, testDeviceOne)
	require.NoError(t, err)
	_, err = svc.BindDeviceOnLogin(ctx, testDeviceOne, models.OwnerRef("u1"), models.DeviceInfo{})
	assert.NoError(t, err)
}

func TestSetTrustedAddsManualBonus(t *testing.T) {
	svc, _, _ := newTestDeviceService(t)
	ctx := context.Background()
	_, err := svc.BindDeviceOnLogin(ctx, testDeviceOne, models.OwnerRef("u1"), models.DeviceInfo{})
	require.NoError(t, err)

	untrusted, err := svc.SetTrusted(ctx, testDeviceOne, models.TrustFlagRequest{Trusted: boolPtr(false)})
	require.NoError(t, err)
	trusted, err := svc.SetTrusted(ctx, testDeviceOne, models.TrustFlagRequest{Trusted: boolPtr(true)})
	require.NoError(t, err)
	assert.Equal(t, models.TrustManualBonus, trusted.TrustScore-untrusted.TrustScore)

	_, err = svc.SetTrusted(ctx, testDeviceTwo, models.TrustFlagRequest{Trusted: boolPtr(true)})
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))
}

func TestLastLogoutIsStamped(t *testing.T) {
	svc, store, _ := newTestDeviceService(t)
	ctx := context.Background()
	_, err := svc.BindDeviceOnLogin(ctx, testDeviceOne, models.OwnerRef("u1"), models.DeviceInfo{})
	require.NoError(t, err)

	before := time.Now().UTC().Add(-time.Second)
	require.NoError(t, svc.RecordLogout(ctx, testDeviceOne))
	device, err := store.FindByID(ctx, testDeviceOne)
	require.NoError(t, err)
	require.NotNil(t, device.LastLogoutAt)
	assert.True(t, device.LastLogoutAt.After(before))
}
