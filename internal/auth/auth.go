// Package auth issues and verifies the platform's bearer tokens: HMAC-signed
// JWTs (HS256 by default) with claims {sub, role, exp, type, jti,
// device_session_id}. Refresh tokens rotate on every use; replaying a rotated
// refresh token is treated as theft and revokes every token the user holds.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/podex/podex/internal/kv"
	"github.com/podex/podex/internal/store"
	"github.com/podex/podex/pkg/models"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrRevokedToken = errors.New("token revoked")
	ErrWrongType    = errors.New("wrong token type")
	// ErrRefreshReuse signals a replayed refresh token; the caller's
	// sessions have already been revoked when this is returned.
	ErrRefreshReuse = errors.New("refresh token reuse detected")
)

// Claims are the platform's JWT claims.
type Claims struct {
	Role            string           `json:"role"`
	TokenType       models.TokenType `json:"type"`
	DeviceSessionID string           `json:"device_session_id,omitempty"`
	jwt.RegisteredClaims
}

// Service issues, verifies, rotates and revokes tokens. Revocation state
// lives in the shared kv store so every replica sees it.
type Service struct {
	secret     []byte
	method     jwt.SigningMethod
	accessTTL  time.Duration
	refreshTTL time.Duration
	kv         kv.Store
	sessions   store.DeviceSessionStore
}

// NewService builds the token service. algorithm picks the HMAC variant
// (HS256, HS384, HS512); anything outside that family falls back to HS256,
// as asymmetric signing would need key material the secret cannot provide.
func NewService(secret, algorithm string, accessTTL, refreshTTL time.Duration, kvStore kv.Store, sessions store.DeviceSessionStore) *Service {
	method, ok := jwt.GetSigningMethod(algorithm).(*jwt.SigningMethodHMAC)
	if !ok {
		log.Warn().Str("algorithm", algorithm).Msg("unsupported JWT algorithm, falling back to HS256")
		method = jwt.SigningMethodHS256
	}
	return &Service{
		secret:     []byte(secret),
		method:     method,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		kv:         kvStore,
		sessions:   sessions,
	}
}

func revokedKey(jti string) string    { return "podex:auth:revoked:" + jti }
func userJTIKey(userID string) string { return "podex:auth:user_jtis:" + userID }

func (s *Service) sign(userID, role string, typ models.TokenType, jti, deviceSessionID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role:            role,
		TokenType:       typ,
		DeviceSessionID: deviceSessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(s.method, claims).SignedString(s.secret)
}

// track records a live jti in the per-user set so revoke-all can find it.
// The set's TTL matches the refresh lifetime, bounding memory.
func (s *Service) track(ctx context.Context, userID, jti string) {
	if err := s.kv.AddToSet(ctx, userJTIKey(userID), jti, s.refreshTTL); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("failed to track token jti")
	}
}

// IssuePair mints an access/refresh pair bound to a device session and
// records the refresh jti as the session's current one.
func (s *Service) IssuePair(ctx context.Context, user *models.User, deviceSessionID string) (*models.TokenPair, error) {
	accessJTI := uuid.NewString()
	refreshJTI := uuid.NewString()

	access, err := s.sign(user.ID, user.Role, models.TokenAccess, accessJTI, deviceSessionID, s.accessTTL)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	refresh, err := s.sign(user.ID, user.Role, models.TokenRefresh, refreshJTI, deviceSessionID, s.refreshTTL)
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}

	s.track(ctx, user.ID, accessJTI)
	s.track(ctx, user.ID, refreshJTI)

	if deviceSessionID != "" && s.sessions != nil {
		ds, err := s.sessions.GetDeviceSession(ctx, deviceSessionID)
		if err == nil {
			ds.CurrentJTI = refreshJTI
			ds.LastSeenAt = time.Now()
			if err := s.sessions.UpdateDeviceSession(ctx, ds); err != nil {
				log.Warn().Err(err).Str("device_session_id", deviceSessionID).Msg("failed to update device session jti")
			}
		}
	}
	return &models.TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// Verify parses a token, checks signature and expiry, enforces the expected
// type, and consults the revocation list.
func (s *Service) Verify(ctx context.Context, token string, expect models.TokenType) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		// pin to the configured algorithm; close cousins like a different
		// HMAC width do not pass either
		if t.Method.Alg() != s.method.Alg() {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok {
		return nil, ErrInvalidToken
	}
	if claims.TokenType != expect {
		return nil, ErrWrongType
	}

	_, revoked, err := s.kv.Get(ctx, revokedKey(claims.ID))
	if err != nil {
		return nil, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return nil, ErrRevokedToken
	}
	return claims, nil
}

// revokeJTI marks a jti revoked for its remaining lifetime; an already
// expired token needs no entry.
func (s *Service) revokeJTI(ctx context.Context, jti string, exp time.Time) error {
	remaining := time.Until(exp)
	if remaining <= 0 {
		return nil
	}
	return s.kv.SetTTL(ctx, revokedKey(jti), "1", remaining)
}

// Refresh rotates a refresh token: verifies it, revokes it, and issues a
// fresh pair. A refresh token that is valid but is no longer the device
// session's current jti has been replayed; every token and device session of
// the user is revoked and ErrRefreshReuse is returned.
func (s *Service) Refresh(ctx context.Context, refreshToken string, user func(ctx context.Context, id string) (*models.User, error)) (*models.TokenPair, error) {
	claims, err := s.Verify(ctx, refreshToken, models.TokenRefresh)
	if err != nil {
		if errors.Is(err, ErrRevokedToken) {
			// revoked-but-well-formed refresh: decode unverified to learn
			// the subject and trip the reuse path
			if sub := unverifiedSubject(refreshToken, s.secret); sub != "" {
				s.revokeAllForUser(ctx, sub)
				return nil, ErrRefreshReuse
			}
		}
		return nil, err
	}

	if claims.DeviceSessionID != "" && s.sessions != nil {
		ds, dsErr := s.sessions.GetDeviceSession(ctx, claims.DeviceSessionID)
		if dsErr == nil {
			if ds.Revoked {
				return nil, ErrRevokedToken
			}
			if ds.CurrentJTI != "" && ds.CurrentJTI != claims.ID {
				s.revokeAllForUser(ctx, claims.Subject)
				return nil, ErrRefreshReuse
			}
		}
	}

	u, err := user(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}

	if err := s.revokeJTI(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
		return nil, fmt.Errorf("revoke rotated refresh token: %w", err)
	}
	return s.IssuePair(ctx, u, claims.DeviceSessionID)
}

// Revoke invalidates a single token (logout).
func (s *Service) Revoke(ctx context.Context, token string) error {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) { return s.secret, nil })
	if err != nil || !parsed.Valid {
		return ErrInvalidToken
	}
	claims := parsed.Claims.(*Claims)
	return s.revokeJTI(ctx, claims.ID, claims.ExpiresAt.Time)
}

// revokeAllForUser is the reuse-detection compensating action: every tracked
// jti is revoked and every device session marked revoked.
func (s *Service) revokeAllForUser(ctx context.Context, userID string) {
	log.Warn().Str("user_id", userID).Msg("refresh token reuse detected, revoking all user tokens")

	jtis, err := s.kv.SetMembers(ctx, userJTIKey(userID))
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("failed to list user jtis for revocation")
	}
	for _, jti := range jtis {
		// remaining lifetime is unknown here; hold the tombstone for the
		// full refresh TTL, the longest any of them can outlive
		if err := s.kv.SetTTL(ctx, revokedKey(jti), "1", s.refreshTTL); err != nil {
			log.Error().Err(err).Str("jti", jti).Msg("failed to revoke jti")
		}
	}
	if s.sessions != nil {
		if err := s.sessions.RevokeUserDeviceSessions(ctx, userID); err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("failed to revoke device sessions")
		}
	}
}

// unverifiedSubject extracts the subject from a token that passes signature
// verification regardless of revocation state. Returns "" for forgeries.
func unverifiedSubject(token string, secret []byte) string {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) { return secret, nil })
	if err != nil || !parsed.Valid {
		return ""
	}
	return parsed.Claims.(*Claims).Subject
}
