package computeapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscapeSSERoundTrip(t *testing.T) {
	cases := []string{
		"plain",
		"line1\nline2\n",
		"crlf\r\nend",
		`back\slash`,
		"mixed\\n literal and \n real",
		"",
	}
	for _, in := range cases {
		escaped := escapeSSE(in)
		assert.NotContains(t, escaped, "\n", in)
		assert.Equal(t, in, UnescapeSSE(escaped), in)
	}
}

func TestSplitRuneChunksBoundary(t *testing.T) {
	// é is 2 bytes; a 5-byte max must not split it
	s := strings.Repeat("é", 4) // 8 bytes
	chunks := splitRuneChunks(s, 5)
	require.Len(t, chunks, 2)
	assert.Equal(t, "éé", chunks[0])
	assert.Equal(t, "éé", chunks[1])
	assert.Equal(t, s, strings.Join(chunks, ""))

	assert.Equal(t, []string{"abc"}, splitRuneChunks("abc", 5))
}

func TestRegistryForgetThenNotFound(t *testing.T) {
	reg := NewRegistry()
	reg.Put(&WorkspaceEntry{WorkspaceID: "ws-1", HostID: "h1", ContainerID: "c1"})

	e, ok := reg.Get("ws-1")
	require.True(t, ok)
	assert.Equal(t, defaultWorkDir, e.WorkDir)

	// returned entry is a copy
	e.ContainerID = "mutated"
	again, _ := reg.Get("ws-1")
	assert.Equal(t, "c1", again.ContainerID)

	reg.Forget("ws-1")
	_, ok = reg.Get("ws-1")
	assert.False(t, ok)
}

func TestRegistryHeartbeat(t *testing.T) {
	reg := NewRegistry()
	reg.Put(&WorkspaceEntry{WorkspaceID: "ws-1"})
	assert.True(t, reg.Heartbeat("ws-1"))
	assert.False(t, reg.Heartbeat("ws-2"))

	e, _ := reg.Get("ws-1")
	assert.False(t, e.LastHeartbeat.IsZero())
}

func TestEntryOwnershipCheck(t *testing.T) {
	s := &Server{registry: NewRegistry()}
	s.registry.Put(&WorkspaceEntry{WorkspaceID: "ws-1", UserID: "user-a"})

	request := func(uid string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/workspaces/ws-1", nil)
		rctx := chi.NewRouteContext()
		rctx.URLParams.Add("workspaceID", "ws-1")
		req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
		if uid != "" {
			req.Header.Set(UserIDHeader, uid)
		}
		return req
	}

	// the owner and unattributed internal calls both pass
	for _, uid := range []string{"", "user-a"} {
		rec := httptest.NewRecorder()
		_, ok := s.entry(rec, request(uid))
		assert.True(t, ok, uid)
	}

	rec := httptest.NewRecorder()
	_, ok := s.entry(rec, request("user-b"))
	assert.False(t, ok)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRequireInternalKey(t *testing.T) {
	s := &Server{apiKey: "secret", registry: NewRegistry()}
	handler := s.requireInternalKey(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/workspaces", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/workspaces", nil)
	req.Header.Set(InternalKeyHeader, "wrong")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/workspaces", nil)
	req.Header.Set(InternalKeyHeader, "secret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireInternalKeyEmptyConfigRejectsAll(t *testing.T) {
	// an unset key must fail closed, not open
	s := &Server{apiKey: "", registry: NewRegistry()}
	handler := s.requireInternalKey(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(InternalKeyHeader, "")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
