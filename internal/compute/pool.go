// Package compute drives workspace containers across a dynamic fleet of
// Docker hosts: lifecycle, resource limits, exec, files, git, and stats.
// Docker SDK calls are synchronous, so every operation runs through a
// bounded worker semaphore instead of blocking callers directly.
package compute

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/docker/docker/client"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/podex/podex/pkg/models"
)

// DockerAPI is the subset of the Docker client the driver uses; tests
// substitute fakes.
type DockerAPI = client.APIClient

// HostConn is one host's connection record. A failed ping marks the host
// unhealthy but keeps the record so health checks can recover it.
type HostConn struct {
	Host      models.Host
	Client    DockerAPI
	Healthy   bool
	LastError string
}

// Pool holds the per-host Docker connections and their health state.
type Pool struct {
	mu    sync.RWMutex
	hosts map[string]*HostConn

	// workers bounds concurrent Docker SDK calls process-wide.
	workers *semaphore.Weighted

	// dial builds a Docker client for a host; replaced in tests.
	dial func(host models.Host) (DockerAPI, error)
}

// NewPool creates an empty pool with the given Docker-call concurrency.
func NewPool(maxWorkers int64) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = 16
	}
	return &Pool{
		hosts:   make(map[string]*HostConn),
		workers: semaphore.NewWeighted(maxWorkers),
		dial:    dialDocker,
	}
}

// dialDocker opens a TLS or plain TCP client depending on host config.
// An empty address means the local daemon (DOCKER_HOST / unix socket).
func dialDocker(host models.Host) (DockerAPI, error) {
	if host.Address == "" {
		return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	}
	opts := []client.Opt{
		client.WithHost(fmt.Sprintf("tcp://%s:%d", host.Address, host.Port)),
		client.WithAPIVersionNegotiation(),
	}
	if host.TLSEnabled {
		opts = append(opts, client.WithTLSClientConfig(
			filepath.Join(host.CertPath, "ca.pem"),
			filepath.Join(host.CertPath, "cert.pem"),
			filepath.Join(host.CertPath, "key.pem"),
		))
	}
	return client.NewClientWithOpts(opts...)
}

// withWorker runs fn under the Docker-call semaphore.
func (p *Pool) withWorker(ctx context.Context, fn func() error) error {
	if err := p.workers.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.workers.Release(1)
	return fn()
}

// AddHost opens a client for the host and pings it. Ping failure retains
// the record unhealthy; the periodic health check will retry.
func (p *Pool) AddHost(ctx context.Context, host models.Host) error {
	cli, err := p.dial(host)
	if err != nil {
		return fmt.Errorf("dial docker host %s: %w", host.ID, err)
	}

	conn := &HostConn{Host: host, Client: cli}
	pingErr := p.withWorker(ctx, func() error {
		_, err := cli.Ping(ctx)
		return err
	})
	if pingErr != nil {
		conn.Healthy = false
		conn.LastError = pingErr.Error()
		log.Warn().Err(pingErr).Str("host_id", host.ID).Msg("docker host unreachable at registration")
	} else {
		conn.Healthy = true
	}

	p.mu.Lock()
	p.hosts[host.ID] = conn
	p.mu.Unlock()
	return nil
}

// RemoveHost closes and forgets a host's client.
func (p *Pool) RemoveHost(hostID string) {
	p.mu.Lock()
	conn, ok := p.hosts[hostID]
	if ok {
		delete(p.hosts, hostID)
	}
	p.mu.Unlock()
	if ok {
		if err := conn.Client.Close(); err != nil {
			log.Warn().Err(err).Str("host_id", hostID).Msg("closing docker client failed")
		}
	}
}

// Get returns the connection for a host.
func (p *Pool) Get(hostID string) (*HostConn, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	conn, ok := p.hosts[hostID]
	if !ok {
		return nil, fmt.Errorf("unknown host %q", hostID)
	}
	return conn, nil
}

// Hosts returns a snapshot of all connections.
func (p *Pool) Hosts() []*HostConn {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*HostConn, 0, len(p.hosts))
	for _, conn := range p.hosts {
		out = append(out, conn)
	}
	return out
}

// Healthy reports a host's last known health. HealthCheck flips the flag
// under the pool lock, so readers must come through here rather than
// through a HostConn snapshot. Unknown hosts read as unhealthy.
func (p *Pool) Healthy(hostID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	conn, ok := p.hosts[hostID]
	return ok && conn.Healthy
}

// HealthCheck pings every host once and toggles the healthy flags.
func (p *Pool) HealthCheck(ctx context.Context, timeout time.Duration) {
	for _, conn := range p.Hosts() {
		pingCtx, cancel := context.WithTimeout(ctx, timeout)
		err := p.withWorker(pingCtx, func() error {
			_, err := conn.Client.Ping(pingCtx)
			return err
		})
		cancel()

		p.mu.Lock()
		if err != nil {
			conn.Healthy = false
			conn.LastError = err.Error()
		} else {
			conn.Healthy = true
			conn.LastError = ""
		}
		p.mu.Unlock()

		if err != nil {
			log.Warn().Err(err).Str("host_id", conn.Host.ID).Msg("docker host health check failed")
		}
	}
}

// RunHealthLoop pings all hosts on an interval until ctx is cancelled.
func (p *Pool) RunHealthLoop(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.HealthCheck(ctx, timeout)
		}
	}
}
