package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/podex/podex/internal/api/middleware"
	"github.com/podex/podex/internal/auth"
	"github.com/podex/podex/internal/computeclient"
	"github.com/podex/podex/internal/events"
	"github.com/podex/podex/internal/kv"
	"github.com/podex/podex/internal/store"
	"github.com/podex/podex/pkg/models"
)

func newTestHandlers(t *testing.T) (*Handlers, *store.MemoryStore) {
	t.Helper()
	dataStore := store.NewMemoryStore()
	kvStore := kv.NewMemoryStore()
	authSvc := auth.NewService("test-secret", "HS256", 15*time.Minute, 24*time.Hour, kvStore, dataStore)
	hub := events.NewHub(kvStore)
	compute := computeclient.New("http://127.0.0.1:1", "test-key")

	h := New(dataStore, authSvc, nil, hub, compute,
		CookieConfig{Secure: false, SameSite: http.SameSiteLaxMode}, "http://127.0.0.1:1", "test-key")
	return h, dataStore
}

func seedUser(t *testing.T, s *store.MemoryStore, email, password, role string) *models.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	user := &models.User{
		ID:           "user-" + email,
		Email:        email,
		PasswordHash: string(hash),
		Role:         role,
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, s.CreateUser(context.Background(), user))
	return user
}

func cookieNamed(res *http.Response, name string) *http.Cookie {
	for _, c := range res.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestLoginAndRefreshFlow(t *testing.T) {
	h, dataStore := newTestHandlers(t)
	seedUser(t, dataStore, "dev@example.com", "hunter2!", "user")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login",
		strings.NewReader(`{"email":"dev@example.com","password":"hunter2!"}`))
	rec := httptest.NewRecorder()
	h.Login(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var loginResp struct {
		AccessToken string       `json:"access_token"`
		User        *models.User `json:"user"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&loginResp))
	assert.NotEmpty(t, loginResp.AccessToken)
	assert.Equal(t, "dev@example.com", loginResp.User.Email)

	refresh := cookieNamed(rec.Result(), "podex_refresh")
	require.NotNil(t, refresh, "login must set the refresh cookie")
	assert.True(t, refresh.HttpOnly)
	assert.Equal(t, "/api/v1/auth", refresh.Path)

	// access token verifies as an access token
	claims, err := h.Auth.Verify(context.Background(), loginResp.AccessToken, models.TokenAccess)
	require.NoError(t, err)
	assert.Equal(t, loginResp.User.ID, claims.Subject)

	// rotate via the cookie
	req = httptest.NewRequest(http.MethodPost, "/api/v1/auth/refresh", nil)
	req.AddCookie(refresh)
	rec = httptest.NewRecorder()
	h.Refresh(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	rotated := cookieNamed(rec.Result(), "podex_refresh")
	require.NotNil(t, rotated)
	assert.NotEqual(t, refresh.Value, rotated.Value, "refresh must rotate the token")

	// the old refresh token is now burned
	req = httptest.NewRequest(http.MethodPost, "/api/v1/auth/refresh", nil)
	req.AddCookie(refresh)
	rec = httptest.NewRecorder()
	h.Refresh(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	h, dataStore := newTestHandlers(t)
	seedUser(t, dataStore, "dev@example.com", "hunter2!", "user")

	for _, body := range []string{
		`{"email":"dev@example.com","password":"wrong"}`,
		`{"email":"nobody@example.com","password":"hunter2!"}`,
	} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(body))
		rec := httptest.NewRecorder()
		h.Login(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		// unknown account and wrong password are indistinguishable
		assert.Contains(t, rec.Body.String(), "invalid credentials")
	}
}

func asUser(r *http.Request, userID, role string) *http.Request {
	return r.WithContext(middleware.SetIdentity(r.Context(), &middleware.Identity{
		UserID: userID,
		Role:   role,
	}))
}

func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestCreateSessionOwnership(t *testing.T) {
	h, _ := newTestHandlers(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions",
		strings.NewReader(`{"title":"fix the flaky test","tier":"starter"}`))
	rec := httptest.NewRecorder()
	h.CreateSession(rec, asUser(req, "user-a", "user"))

	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		Session   *models.Session   `json:"session"`
		Workspace *models.Workspace `json:"workspace"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	assert.Equal(t, "user-a", created.Session.UserID)
	assert.Equal(t, models.WorkspacePending, created.Workspace.Status)
	assert.Equal(t, "starter", created.Workspace.Tier.Name)

	// another user cannot read it
	req = httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+created.Session.ID, nil)
	req = withURLParam(asUser(req, "user-b", "user"), "sessionID", created.Session.ID)
	rec = httptest.NewRecorder()
	h.GetSession(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// an admin can
	req = httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+created.Session.ID, nil)
	req = withURLParam(asUser(req, "user-b", "admin"), "sessionID", created.Session.ID)
	rec = httptest.NewRecorder()
	h.GetSession(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateSessionUnknownTier(t *testing.T) {
	h, _ := newTestHandlers(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions",
		strings.NewReader(`{"tier":"mega"}`))
	rec := httptest.NewRecorder()
	h.CreateSession(rec, asUser(req, "user-a", "user"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func seedWorkspace(t *testing.T, s *store.MemoryStore, userID string, tier models.ResourceTier) *models.Workspace {
	t.Helper()
	ws := &models.Workspace{
		ID:        "ws-1",
		SessionID: "sess-1",
		UserID:    userID,
		Status:    models.WorkspaceRunning,
		Image:     "podex/workspace",
		Tier:      tier,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateWorkspace(context.Background(), ws))
	return ws
}

func TestScaleWorkspaceValidation(t *testing.T) {
	h, dataStore := newTestHandlers(t)
	ws := seedWorkspace(t, dataStore, "user-a", tiers["standard"])

	// unknown tier
	req := httptest.NewRequest(http.MethodPost, "/api/v1/workspaces/ws-1/scale",
		strings.NewReader(`{"tier":"mega"}`))
	req = withURLParam(asUser(req, "user-a", "user"), "workspaceID", ws.ID)
	rec := httptest.NewRecorder()
	h.ScaleWorkspace(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// gpu attachment cannot change in place
	req = httptest.NewRequest(http.MethodPost, "/api/v1/workspaces/ws-1/scale",
		strings.NewReader(`{"tier":"gpu"}`))
	req = withURLParam(asUser(req, "user-a", "user"), "workspaceID", ws.ID)
	rec = httptest.NewRecorder()
	h.ScaleWorkspace(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// other users get 403 before any compute call
	req = httptest.NewRequest(http.MethodPost, "/api/v1/workspaces/ws-1/scale",
		strings.NewReader(`{"tier":"pro"}`))
	req = withURLParam(asUser(req, "user-b", "user"), "workspaceID", ws.ID)
	rec = httptest.NewRecorder()
	h.ScaleWorkspace(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestStandbyRequiresRunningWorkspace(t *testing.T) {
	h, dataStore := newTestHandlers(t)
	ws := seedWorkspace(t, dataStore, "user-a", tiers["standard"])
	ws.Status = models.WorkspacePending
	require.NoError(t, dataStore.UpdateWorkspace(context.Background(), ws))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/workspaces/ws-1/standby", nil)
	req = withURLParam(asUser(req, "user-a", "user"), "workspaceID", ws.ID)
	rec := httptest.NewRecorder()
	h.StandbyWorkspace(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}
