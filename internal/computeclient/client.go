// Package computeclient is the control plane's HTTP client for the compute
// host service. Calls go through a circuit breaker; reads retry with
// exponential backoff. A 404 for a workspace the control plane still has on
// record surfaces as ErrWorkspaceForgotten, the signal that the host lost
// its state and the workspace needs reprovisioning.
package computeclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/podex/podex/internal/computeapi"
	"github.com/podex/podex/pkg/models"
)

// ErrWorkspaceForgotten means the host service no longer knows a workspace
// the control plane believes exists.
var ErrWorkspaceForgotten = errors.New("workspace forgotten by compute host")

const (
	connectTimeout = 10 * time.Second
	// readSlack is added on top of the command timeout for exec calls.
	readSlack      = 30 * time.Second
	createTimeout  = 10 * time.Minute
	defaultTimeout = 60 * time.Second
)

// Client talks to one compute host service.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

func New(baseURL, apiKey string) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   connectTimeout,
		ExpectContinueTimeout: time.Second,
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "compute-host",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// 404s and other client errors are host answers, not host failures
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, ErrWorkspaceForgotten) {
				return true
			}
			var he *httpError
			return errors.As(err, &he) && he.status < 500
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("compute breaker state changed")
		},
	})
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Transport: transport},
		breaker: breaker,
	}
}

type httpError struct {
	status int
	msg    string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("compute host returned %d: %s", e.status, e.msg)
}

type userIDKey struct{}

// WithUserID attributes subsequent client calls to a user. The host service
// rejects attributed calls against workspaces owned by someone else.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

func userIDFrom(ctx context.Context) string {
	uid, _ := ctx.Value(userIDKey{}).(string)
	return uid
}

// do issues one request under the breaker. out may be nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	_, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set(computeapi.InternalKeyHeader, c.apiKey)
		if uid := userIDFrom(ctx); uid != "" {
			req.Header.Set(computeapi.UserIDHeader, uid)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return nil, ErrWorkspaceForgotten
		}
		if resp.StatusCode >= 400 {
			var apiErr computeapi.ErrorResponse
			_ = json.NewDecoder(resp.Body).Decode(&apiErr)
			return nil, &httpError{status: resp.StatusCode, msg: apiErr.Error}
		}
		if out != nil {
			return nil, json.NewDecoder(resp.Body).Decode(out)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, nil
	})
	return err
}

// doRetry wraps do with exponential backoff for idempotent reads.
// ErrWorkspaceForgotten and client errors are permanent.
func (c *Client) doRetry(ctx context.Context, method, path string, body, out any, timeout time.Duration) error {
	op := func() error {
		err := c.do(ctx, method, path, body, out, timeout)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrWorkspaceForgotten) || errors.Is(err, gobreaker.ErrOpenState) {
			return backoff.Permanent(err)
		}
		var he *httpError
		if errors.As(err, &he) && he.status < 500 {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.Retry(op, policy)
}

func wsPath(workspaceID, suffix string) string {
	return "/api/v1/workspaces/" + url.PathEscape(workspaceID) + suffix
}

// ── Workspace lifecycle ─────────────────────────────────────

func (c *Client) CreateWorkspace(ctx context.Context, req computeapi.CreateWorkspaceRequest) (*computeapi.CreateWorkspaceResponse, error) {
	var resp computeapi.CreateWorkspaceResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/workspaces", req, &resp, createTimeout); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) GetWorkspace(ctx context.Context, workspaceID string) (*computeapi.WorkspaceEntry, error) {
	var entry computeapi.WorkspaceEntry
	if err := c.doRetry(ctx, http.MethodGet, wsPath(workspaceID, "/"), nil, &entry, 0); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (c *Client) DeleteWorkspace(ctx context.Context, workspaceID string) error {
	return c.do(ctx, http.MethodDelete, wsPath(workspaceID, "/"), nil, nil, createTimeout)
}

func (c *Client) StopWorkspace(ctx context.Context, workspaceID string) error {
	return c.do(ctx, http.MethodPost, wsPath(workspaceID, "/stop"), nil, nil, 0)
}

func (c *Client) RestartWorkspace(ctx context.Context, workspaceID string) error {
	return c.do(ctx, http.MethodPost, wsPath(workspaceID, "/restart"), nil, nil, createTimeout)
}

func (c *Client) Heartbeat(ctx context.Context, workspaceID string) error {
	return c.do(ctx, http.MethodPost, wsPath(workspaceID, "/heartbeat"), nil, nil, 0)
}

func (c *Client) ScaleWorkspace(ctx context.Context, workspaceID string, req computeapi.ScaleRequest) error {
	return c.do(ctx, http.MethodPost, wsPath(workspaceID, "/scale"), req, nil, 0)
}

func (c *Client) WorkspaceStats(ctx context.Context, workspaceID string) (*models.ContainerStats, error) {
	var stats models.ContainerStats
	if err := c.doRetry(ctx, http.MethodGet, wsPath(workspaceID, "/stats"), nil, &stats, 0); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (c *Client) HostStats(ctx context.Context, hostID string) (*models.ServerStats, error) {
	var stats models.ServerStats
	if err := c.doRetry(ctx, http.MethodGet, "/api/v1/hosts/"+url.PathEscape(hostID)+"/stats", nil, &stats, 0); err != nil {
		return nil, err
	}
	return &stats, nil
}

// ── Exec ────────────────────────────────────────────────────

func (c *Client) Exec(ctx context.Context, workspaceID string, req computeapi.ExecRequest) (*models.ExecResult, error) {
	timeout := defaultTimeout + readSlack
	if req.TimeoutS > 0 {
		timeout = time.Duration(req.TimeoutS)*time.Second + readSlack
	}
	var res models.ExecResult
	if err := c.do(ctx, http.MethodPost, wsPath(workspaceID, "/exec"), req, &res, timeout); err != nil {
		return nil, err
	}
	return &res, nil
}

// StreamChunk is one decoded exec-stream frame.
type StreamChunk struct {
	Stream string // stdout | stderr
	Data   string
}

// ExecStream consumes the SSE exec stream, unescaping newlines and calling
// onChunk per frame. Returns the exit code once the stream finishes.
func (c *Client) ExecStream(ctx context.Context, workspaceID string, req computeapi.ExecRequest, onChunk func(StreamChunk)) (int, error) {
	timeout := defaultTimeout + readSlack
	if req.TimeoutS > 0 {
		timeout = time.Duration(req.TimeoutS)*time.Second + readSlack
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(req)
	if err != nil {
		return 0, err
	}
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
		c.baseURL+wsPath(workspaceID, "/exec-stream"), bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	httpReq.Header.Set(computeapi.InternalKeyHeader, c.apiKey)
	if uid := userIDFrom(ctx); uid != "" {
		httpReq.Header.Set(computeapi.UserIDHeader, uid)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return 0, ErrWorkspaceForgotten
	}
	if resp.StatusCode >= 400 {
		var apiErr computeapi.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return 0, &httpError{status: resp.StatusCode, msg: apiErr.Error}
	}

	return consumeExecStream(resp.Body, onChunk)
}

// consumeExecStream parses the SSE frames of one exec stream.
func consumeExecStream(body io.Reader, onChunk func(StreamChunk)) (int, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	exitCode := 0
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		switch {
		case data == "[DONE]":
			return exitCode, nil
		case strings.HasPrefix(data, "ERROR: "):
			return exitCode, errors.New(strings.TrimPrefix(data, "ERROR: "))
		case strings.HasPrefix(data, "exit:"):
			if code, convErr := strconv.Atoi(strings.TrimPrefix(data, "exit:")); convErr == nil {
				exitCode = code
			}
		case strings.HasPrefix(data, "stdout:"):
			onChunk(StreamChunk{Stream: "stdout", Data: computeapi.UnescapeSSE(strings.TrimPrefix(data, "stdout:"))})
		case strings.HasPrefix(data, "stderr:"):
			onChunk(StreamChunk{Stream: "stderr", Data: computeapi.UnescapeSSE(strings.TrimPrefix(data, "stderr:"))})
		}
	}
	if err := scanner.Err(); err != nil {
		return exitCode, err
	}
	return exitCode, fmt.Errorf("exec stream ended without [DONE]")
}
