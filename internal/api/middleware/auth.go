package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/podex/podex/internal/auth"
	"github.com/podex/podex/pkg/models"
)

type contextKey string

const identityKey contextKey = "podex.identity"

// Identity is the authenticated caller extracted from an access token.
type Identity struct {
	UserID          string
	Role            string
	DeviceSessionID string
}

// GetIdentity returns the caller identity, or nil for unauthenticated
// requests on public paths.
func GetIdentity(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey).(*Identity)
	return id
}

// SetIdentity stores the identity in context; exported for tests.
func SetIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// Auth verifies the bearer access token on every request and stores the
// identity in context. Refresh tokens are rejected here; they are only
// valid at the refresh endpoint.
type Auth struct {
	service *auth.Service
}

func NewAuth(service *auth.Service) *Auth {
	return &Auth{service: service}
}

func (a *Auth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			unauthorized(w, "missing bearer token")
			return
		}
		claims, err := a.service.Verify(r.Context(), token, models.TokenAccess)
		if err != nil {
			log.Debug().Err(err).Str("path", r.URL.Path).Msg("token rejected")
			unauthorized(w, "invalid or expired token")
			return
		}
		id := &Identity{
			UserID:          claims.Subject,
			Role:            claims.Role,
			DeviceSessionID: claims.DeviceSessionID,
		}
		next.ServeHTTP(w, r.WithContext(SetIdentity(r.Context(), id)))
	})
}

// RequireRole gates a subtree on a role.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := GetIdentity(r.Context())
			if id == nil || id.Role != role {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				json.NewEncoder(w).Encode(map[string]string{"error": "forbidden"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(h, "Bearer "); ok {
		return token
	}
	// websocket clients cannot set headers from browsers
	return r.URL.Query().Get("token")
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="podex"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
