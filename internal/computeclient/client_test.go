package computeclient

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podex/podex/internal/computeapi"
)

func TestWorkspaceForgottenOn404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"unknown workspace"}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "key")
	_, err := c.GetWorkspace(context.Background(), "ws-1")
	assert.ErrorIs(t, err, ErrWorkspaceForgotten)

	// lifecycle calls surface it too
	assert.ErrorIs(t, c.Heartbeat(context.Background(), "ws-1"), ErrWorkspaceForgotten)
}

func TestRetryOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"workspace_id":"ws-1","container_id":"c1"}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "key")
	entry, err := c.GetWorkspace(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.Equal(t, "c1", entry.ContainerID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestNoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"bad"}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "key")
	_, err := c.WorkspaceStats(context.Background(), "ws-1")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "key")
	for i := 0; i < 6; i++ {
		_ = c.StopWorkspace(context.Background(), "ws-1")
	}
	err := c.StopWorkspace(context.Background(), "ws-1")
	assert.ErrorContains(t, err, "circuit breaker is open")
}

func TestInternalKeySent(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get(computeapi.InternalKeyHeader)
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "sekrit")
	_, err := c.GetWorkspace(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.Equal(t, "sekrit", got)
}

func TestUserIDHeaderFromContext(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get(computeapi.UserIDHeader)
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "key")
	require.NoError(t, c.StopWorkspace(WithUserID(context.Background(), "user-a"), "ws-1"))
	assert.Equal(t, "user-a", got)

	// internal calls carry no attribution
	require.NoError(t, c.StopWorkspace(context.Background(), "ws-1"))
	assert.Empty(t, got)
}

func TestExecStreamConsumption(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: stdout:building\\n\n\n")
		fmt.Fprint(w, ": comment line ignored\n")
		fmt.Fprint(w, "data: stderr:warning: deprecated\\napi\n\n")
		fmt.Fprint(w, "data: exit:2\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := New(srv.URL, "key")
	var chunks []StreamChunk
	code, err := c.ExecStream(context.Background(), "ws-1", computeapi.ExecRequest{Command: "make"},
		func(ch StreamChunk) { chunks = append(chunks, ch) })
	require.NoError(t, err)
	assert.Equal(t, 2, code)
	require.Len(t, chunks, 2)
	assert.Equal(t, "stdout", chunks[0].Stream)
	assert.Equal(t, "building\n", chunks[0].Data)
	assert.Equal(t, "stderr", chunks[1].Stream)
	assert.Equal(t, "warning: deprecated\napi", chunks[1].Data)
}

func TestExecStreamErrorFrame(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "data: stdout:partial\n\n")
		fmt.Fprint(w, "data: ERROR: container vanished\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := New(srv.URL, "key")
	_, err := c.ExecStream(context.Background(), "ws-1", computeapi.ExecRequest{Command: "true"}, func(StreamChunk) {})
	assert.ErrorContains(t, err, "container vanished")
}

func TestExecStreamTruncatedWithoutDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "data: stdout:half\n\n")
	}))
	defer srv.Close()

	c := New(srv.URL, "key")
	_, err := c.ExecStream(context.Background(), "ws-1", computeapi.ExecRequest{Command: "true"}, func(StreamChunk) {})
	assert.ErrorContains(t, err, "without [DONE]")
}

func TestConsumeExecStreamDirect(t *testing.T) {
	body := strings.NewReader("data: stdout:a\n\ndata: exit:0\n\ndata: [DONE]\n\n")
	var got []StreamChunk
	code, err := consumeExecStream(body, func(ch StreamChunk) { got = append(got, ch) })
	require.NoError(t, err)
	assert.Zero(t, code)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Data)
}
