package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podex/podex/internal/kv"
	"github.com/podex/podex/internal/store"
	"github.com/podex/podex/pkg/models"
)

func newService(t *testing.T) (*Service, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	svc := NewService("test-secret", "HS256", 15*time.Minute, 30*24*time.Hour, kv.NewMemoryStore(), s)
	return svc, s
}

func seedUser(t *testing.T, s *store.MemoryStore) *models.User {
	t.Helper()
	u := &models.User{ID: "u-1", Email: "dev@example.com", Role: "user"}
	require.NoError(t, s.CreateUser(context.Background(), u))
	return u
}

func TestIssueAndVerify(t *testing.T) {
	svc, s := newService(t)
	u := seedUser(t, s)
	ctx := context.Background()

	pair, err := svc.IssuePair(ctx, u, "")
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)

	claims, err := svc.Verify(ctx, pair.AccessToken, models.TokenAccess)
	require.NoError(t, err)
	assert.Equal(t, "u-1", claims.Subject)
	assert.Equal(t, "user", claims.Role)
	assert.Equal(t, models.TokenAccess, claims.TokenType)

	// a refresh token does not pass as an access token
	_, err = svc.Verify(ctx, pair.RefreshToken, models.TokenAccess)
	assert.ErrorIs(t, err, ErrWrongType)
}

func TestVerifyRejectsForgery(t *testing.T) {
	svc, s := newService(t)
	u := seedUser(t, s)
	ctx := context.Background()

	other := NewService("different-secret", "HS256", time.Minute, time.Hour, kv.NewMemoryStore(), nil)
	pair, err := other.IssuePair(ctx, u, "")
	require.NoError(t, err)

	_, err = svc.Verify(ctx, pair.AccessToken, models.TokenAccess)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRevokeBlocksToken(t *testing.T) {
	svc, s := newService(t)
	u := seedUser(t, s)
	ctx := context.Background()

	pair, err := svc.IssuePair(ctx, u, "")
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, pair.AccessToken))
	_, err = svc.Verify(ctx, pair.AccessToken, models.TokenAccess)
	assert.ErrorIs(t, err, ErrRevokedToken)
}

func TestRefreshRotation(t *testing.T) {
	svc, s := newService(t)
	u := seedUser(t, s)
	ctx := context.Background()

	require.NoError(t, s.CreateDeviceSession(ctx, &models.DeviceSession{ID: "d-1", UserID: u.ID}))

	pair1, err := svc.IssuePair(ctx, u, "d-1")
	require.NoError(t, err)

	pair2, err := svc.Refresh(ctx, pair1.RefreshToken, s.GetUser)
	require.NoError(t, err)
	assert.NotEqual(t, pair1.RefreshToken, pair2.RefreshToken)

	// the rotated-out refresh token is now revoked
	_, err = svc.Verify(ctx, pair1.RefreshToken, models.TokenRefresh)
	assert.ErrorIs(t, err, ErrRevokedToken)

	// the new one still works
	_, err = svc.Verify(ctx, pair2.RefreshToken, models.TokenRefresh)
	require.NoError(t, err)
}

func TestRefreshReuseRevokesEverything(t *testing.T) {
	svc, s := newService(t)
	u := seedUser(t, s)
	ctx := context.Background()

	require.NoError(t, s.CreateDeviceSession(ctx, &models.DeviceSession{ID: "d-1", UserID: u.ID}))

	pair1, err := svc.IssuePair(ctx, u, "d-1")
	require.NoError(t, err)
	pair2, err := svc.Refresh(ctx, pair1.RefreshToken, s.GetUser)
	require.NoError(t, err)

	// attacker replays the rotated-out refresh token
	_, err = svc.Refresh(ctx, pair1.RefreshToken, s.GetUser)
	assert.ErrorIs(t, err, ErrRefreshReuse)

	// every token of the user is dead, including the legitimate pair
	_, err = svc.Verify(ctx, pair2.AccessToken, models.TokenAccess)
	assert.ErrorIs(t, err, ErrRevokedToken)
	_, err = svc.Verify(ctx, pair2.RefreshToken, models.TokenRefresh)
	assert.ErrorIs(t, err, ErrRevokedToken)

	// and the device session is marked revoked
	ds, err := s.GetDeviceSession(ctx, "d-1")
	require.NoError(t, err)
	assert.True(t, ds.Revoked)
}

func TestRefreshRejectsRevokedDeviceSession(t *testing.T) {
	svc, s := newService(t)
	u := seedUser(t, s)
	ctx := context.Background()

	require.NoError(t, s.CreateDeviceSession(ctx, &models.DeviceSession{ID: "d-1", UserID: u.ID, Revoked: true}))

	pair, err := svc.IssuePair(ctx, u, "d-1")
	require.NoError(t, err)

	// IssuePair updated CurrentJTI, but the session is revoked
	ds, err := s.GetDeviceSession(ctx, "d-1")
	require.NoError(t, err)
	assert.True(t, ds.Revoked)

	_, err = svc.Refresh(ctx, pair.RefreshToken, s.GetUser)
	assert.ErrorIs(t, err, ErrRevokedToken)
}

func TestConfiguredAlgorithmIsUsedAndPinned(t *testing.T) {
	s := store.NewMemoryStore()
	u := seedUser(t, s)
	ctx := context.Background()

	hs512 := NewService("test-secret", "HS512", 15*time.Minute, time.Hour, kv.NewMemoryStore(), s)
	pair, err := hs512.IssuePair(ctx, u, "")
	require.NoError(t, err)

	claims, err := hs512.Verify(ctx, pair.AccessToken, models.TokenAccess)
	require.NoError(t, err)
	assert.Equal(t, "u-1", claims.Subject)

	// an HS256 service rejects the HS512 token even with the same secret
	hs256 := NewService("test-secret", "HS256", 15*time.Minute, time.Hour, kv.NewMemoryStore(), s)
	_, err = hs256.Verify(ctx, pair.AccessToken, models.TokenAccess)
	assert.ErrorIs(t, err, ErrInvalidToken)

	// an unsupported algorithm falls back to HS256
	fallback := NewService("test-secret", "RS256", 15*time.Minute, time.Hour, kv.NewMemoryStore(), s)
	pair, err = fallback.IssuePair(ctx, u, "")
	require.NoError(t, err)
	_, err = hs256.Verify(ctx, pair.AccessToken, models.TokenAccess)
	require.NoError(t, err)
}

func TestExpiredTokenRejected(t *testing.T) {
	s := store.NewMemoryStore()
	svc := NewService("test-secret", "HS256", -time.Minute, -time.Minute, kv.NewMemoryStore(), s)
	u := seedUser(t, s)
	ctx := context.Background()

	pair, err := svc.IssuePair(ctx, u, "")
	require.NoError(t, err)

	_, err = svc.Verify(ctx, pair.AccessToken, models.TokenAccess)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
