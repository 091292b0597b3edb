package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/podex/podex/internal/api/middleware"
	"github.com/podex/podex/internal/auth"
	"github.com/podex/podex/internal/store"
	"github.com/podex/podex/pkg/models"
)

const refreshCookie = "podex_refresh"

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string       `json:"access_token"`
	User        *models.User `json:"user"`
}

// Login authenticates by email and password, opens a device session, and
// hands back an access token. The refresh token travels only in an
// http-only cookie.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	user, err := h.Store.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		if store.IsNotFound(err) {
			// same answer as a wrong password; no account probing
			respondError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	now := time.Now().UTC()
	device := &models.DeviceSession{
		ID:         uuid.NewString(),
		UserID:     user.ID,
		UserAgent:  r.UserAgent(),
		IP:         r.RemoteAddr,
		CreatedAt:  now,
		LastSeenAt: now,
	}
	if err := h.Store.CreateDeviceSession(r.Context(), device); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	pair, err := h.Auth.IssuePair(r.Context(), user, device.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.setRefreshCookie(w, pair.RefreshToken)
	log.Info().Str("user_id", user.ID).Str("device_session_id", device.ID).Msg("user logged in")
	respondJSON(w, http.StatusOK, loginResponse{AccessToken: pair.AccessToken, User: user})
}

// Refresh rotates the refresh token. Replay of a rotated token revokes the
// whole user; the caller just sees a 401.
func (h *Handlers) Refresh(w http.ResponseWriter, r *http.Request) {
	token := h.refreshToken(r)
	if token == "" {
		respondError(w, http.StatusUnauthorized, "missing refresh token")
		return
	}

	pair, err := h.Auth.Refresh(r.Context(), token, h.Store.GetUser)
	if err != nil {
		if errors.Is(err, auth.ErrRefreshReuse) {
			log.Warn().Str("remote", r.RemoteAddr).Msg("refresh token reuse detected, user sessions revoked")
		}
		h.clearRefreshCookie(w)
		respondError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	h.setRefreshCookie(w, pair.RefreshToken)
	respondJSON(w, http.StatusOK, map[string]string{"access_token": pair.AccessToken})
}

// Logout revokes the refresh token and drops the cookie.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	if token := h.refreshToken(r); token != "" {
		if err := h.Auth.Revoke(r.Context(), token); err != nil {
			log.Debug().Err(err).Msg("refresh revocation on logout failed")
		}
	}
	h.clearRefreshCookie(w)
	if id := middleware.GetIdentity(r.Context()); id != nil {
		log.Info().Str("user_id", id.UserID).Msg("user logged out")
	}
	w.WriteHeader(http.StatusNoContent)
}

// refreshToken reads the cookie first, then the body for non-browser
// clients.
func (h *Handlers) refreshToken(r *http.Request) string {
	if c, err := r.Cookie(refreshCookie); err == nil && c.Value != "" {
		return c.Value
	}
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
		return body.RefreshToken
	}
	return ""
}

func (h *Handlers) setRefreshCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    token,
		Path:     "/api/v1/auth",
		HttpOnly: true,
		Secure:   h.Cookies.Secure,
		SameSite: h.Cookies.SameSite,
	})
}

func (h *Handlers) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    "",
		Path:     "/api/v1/auth",
		HttpOnly: true,
		Secure:   h.Cookies.Secure,
		SameSite: h.Cookies.SameSite,
		MaxAge:   -1,
	})
}
