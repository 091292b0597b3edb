package compute

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	"github.com/rs/zerolog/log"

	"github.com/podex/podex/pkg/models"
)

// WorkspaceLabel marks containers owned by the platform; server stats and
// cleanup only ever touch labeled containers.
const WorkspaceLabel = "podex.workspace"

const (
	execDefaultTimeout = 60 * time.Second
	// ExitTimeout is reported when a command exceeds its deadline,
	// matching the coreutils timeout(1) convention.
	ExitTimeout = 124
)

// Driver executes container operations against pooled hosts.
type Driver struct {
	pool    *Pool
	shaper  *Shaper
	quotas  *QuotaManager
	runtime string // non-GPU runtime, e.g. a sandboxed one; "" = default
	stats   *statsCache
}

// NewDriver wires the driver. shaper and quotas may be no-op instances in
// development.
func NewDriver(pool *Pool, shaper *Shaper, quotas *QuotaManager, runtime string) *Driver {
	return &Driver{
		pool:    pool,
		shaper:  shaper,
		quotas:  quotas,
		runtime: runtime,
		stats:   newStatsCache(),
	}
}

// SetupWorkspaceDir creates the quota-enforced home directory for a
// workspace and returns its host path for bind mounting.
func (d *Driver) SetupWorkspaceDir(ctx context.Context, workspaceID string, diskGiB int64) (string, error) {
	return d.quotas.Setup(ctx, workspaceID, diskGiB)
}

// UpdateDiskLimit changes a workspace's disk quota in place.
func (d *Driver) UpdateDiskLimit(ctx context.Context, workspaceID string, diskGiB int64) error {
	return d.quotas.UpdateLimit(ctx, workspaceID, diskGiB)
}

// CleanupWorkspaceDir drops the quota and removes the workspace data.
func (d *Driver) CleanupWorkspaceDir(ctx context.Context, workspaceID string) error {
	return d.quotas.Cleanup(ctx, workspaceID)
}

// imageVariant picks the tag variant for the host architecture. GPU
// workloads always run the x86_64 variant.
func imageVariant(image, arch string, gpu bool) string {
	if gpu {
		arch = "amd64"
	}
	if strings.Contains(image, ":") {
		return image + "-" + arch
	}
	return image + ":" + arch
}

// CreateContainer creates (but does not start) a workspace container on a
// host. Returns the container id, or "" with a logged error on failure.
func (d *Driver) CreateContainer(ctx context.Context, hostID string, spec models.ContainerSpec) (string, error) {
	conn, err := d.pool.Get(hostID)
	if err != nil {
		return "", err
	}

	env := make([]string, 0, len(spec.Env)+2)
	seen := map[string]bool{}
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
		seen[k] = true
	}

	labels := make(map[string]string, len(spec.Labels)+1)
	for k, v := range spec.Labels {
		labels[k] = v
	}
	labels[WorkspaceLabel] = "true"

	hostCfg := &container.HostConfig{
		Binds: spec.Volumes,
		Resources: container.Resources{
			// fractional cores convert to nano-CPUs
			NanoCPUs: int64(spec.CPULimit * 1e9),
			Memory:   spec.MemoryMiB * 1024 * 1024,
		},
	}

	if spec.GPU.Enabled {
		hostCfg.Runtime = "nvidia"
		count := spec.GPU.Count
		if count == 0 {
			count = -1 // all GPUs
		}
		hostCfg.Resources.DeviceRequests = []container.DeviceRequest{{
			Count:        count,
			Capabilities: [][]string{{"gpu"}},
		}}
		if !seen["NVIDIA_VISIBLE_DEVICES"] {
			env = append(env, "NVIDIA_VISIBLE_DEVICES=all")
		}
		if !seen["NVIDIA_DRIVER_CAPABILITIES"] {
			env = append(env, "NVIDIA_DRIVER_CAPABILITIES=compute,utility")
		}
	} else if spec.Runtime != "" {
		hostCfg.Runtime = spec.Runtime
	} else if d.runtime != "" {
		hostCfg.Runtime = d.runtime
	}

	if spec.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(spec.Network)
	}

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for containerPort, hostPort := range spec.Ports {
		port, err := nat.NewPort("tcp", containerPort)
		if err != nil {
			continue
		}
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostPort: hostPort}}
	}
	hostCfg.PortBindings = bindings

	cfg := &container.Config{
		Image:        imageVariant(spec.Image, conn.Host.Architecture, spec.GPU.Enabled),
		Env:          env,
		Labels:       labels,
		ExposedPorts: exposed,
	}

	var id string
	err = d.pool.withWorker(ctx, func() error {
		created, err := conn.Client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
		if err != nil {
			return err
		}
		id = created.ID
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("host_id", hostID).Str("name", spec.Name).Msg("container create failed")
		return "", err
	}
	log.Info().Str("host_id", hostID).Str("name", spec.Name).
		Float64("cpus", spec.CPULimit).
		Str("memory", units.BytesSize(float64(hostCfg.Resources.Memory))).
		Msg("container created")
	return id, nil
}

// StartContainer starts a container and applies post-start egress shaping.
func (d *Driver) StartContainer(ctx context.Context, hostID, containerID string, bandwidthMbps int64) error {
	conn, err := d.pool.Get(hostID)
	if err != nil {
		return err
	}
	err = d.pool.withWorker(ctx, func() error {
		return conn.Client.ContainerStart(ctx, containerID, container.StartOptions{})
	})
	if err != nil {
		return fmt.Errorf("start container: %w", err)
	}

	if bandwidthMbps > 0 && d.shaper != nil {
		inspect, inspectErr := conn.Client.ContainerInspect(ctx, containerID)
		if inspectErr != nil {
			log.Warn().Err(inspectErr).Str("container_id", containerID).Msg("inspect for bandwidth shaping failed")
			return nil
		}
		if err := d.shaper.ApplyEgressLimit(ctx, inspect.State.Pid, bandwidthMbps); err != nil {
			// shaping failure degrades to unshaped, never fails the start
			log.Warn().Err(err).Str("container_id", containerID).Msg("bandwidth shaping failed")
		}
	}
	return nil
}

// StopContainer stops a container with a grace period.
func (d *Driver) StopContainer(ctx context.Context, hostID, containerID string, graceSeconds int) error {
	conn, err := d.pool.Get(hostID)
	if err != nil {
		return err
	}
	return d.pool.withWorker(ctx, func() error {
		return conn.Client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &graceSeconds})
	})
}

// RemoveContainer force-removes a container and clears its stats sample.
func (d *Driver) RemoveContainer(ctx context.Context, hostID, containerID string) error {
	conn, err := d.pool.Get(hostID)
	if err != nil {
		return err
	}
	d.stats.forget(containerID)
	return d.pool.withWorker(ctx, func() error {
		return conn.Client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	})
}

// ContainerExists reports whether the host still knows the container. A
// false here for a known workspace is the "host forgot it" reconcile
// signal.
func (d *Driver) ContainerExists(ctx context.Context, hostID, containerID string) (bool, error) {
	conn, err := d.pool.Get(hostID)
	if err != nil {
		return false, err
	}
	var exists bool
	err = d.pool.withWorker(ctx, func() error {
		_, err := conn.Client.ContainerInspect(ctx, containerID)
		if err != nil {
			if isNotFound(err) {
				return nil
			}
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}

// Exec runs a command inside a container with a deadline. Exceeding the
// deadline yields exit code 124 with an explicit message.
func (d *Driver) Exec(ctx context.Context, hostID, containerID, command, workingDir string, timeout time.Duration) (*models.ExecResult, error) {
	conn, err := d.pool.Get(hostID)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = execDefaultTimeout
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var result *models.ExecResult
	err = d.pool.withWorker(ctx, func() error {
		created, err := conn.Client.ContainerExecCreate(execCtx, containerID, container.ExecOptions{
			Cmd:          []string{"/bin/sh", "-c", command},
			WorkingDir:   workingDir,
			AttachStdout: true,
			AttachStderr: true,
		})
		if err != nil {
			return err
		}

		attach, err := conn.Client.ContainerExecAttach(execCtx, created.ID, container.ExecAttachOptions{})
		if err != nil {
			return err
		}
		defer attach.Close()

		var stdout, stderr bytes.Buffer
		copyDone := make(chan error, 1)
		go func() {
			_, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
			copyDone <- err
		}()

		select {
		case <-execCtx.Done():
			result = &models.ExecResult{
				ExitCode: ExitTimeout,
				Stderr:   fmt.Sprintf("command timed out after %s", timeout),
			}
			return nil
		case err := <-copyDone:
			if err != nil {
				return err
			}
		}

		inspect, err := conn.Client.ContainerExecInspect(ctx, created.ID)
		if err != nil {
			return err
		}
		result = &models.ExecResult{
			ExitCode: inspect.ExitCode,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ExecStream runs a command and delivers output incrementally through
// onChunk ("stdout" or "stderr"). Returns the exit code; a deadline hit
// reports 124 like Exec does.
func (d *Driver) ExecStream(ctx context.Context, hostID, containerID, command, workingDir string, timeout time.Duration, onChunk func(stream string, data []byte)) (int, error) {
	conn, err := d.pool.Get(hostID)
	if err != nil {
		return 0, err
	}
	if timeout <= 0 {
		timeout = execDefaultTimeout
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	exitCode := 0
	err = d.pool.withWorker(ctx, func() error {
		created, err := conn.Client.ContainerExecCreate(execCtx, containerID, container.ExecOptions{
			Cmd:          []string{"/bin/sh", "-c", command},
			WorkingDir:   workingDir,
			AttachStdout: true,
			AttachStderr: true,
		})
		if err != nil {
			return err
		}

		attach, err := conn.Client.ContainerExecAttach(execCtx, created.ID, container.ExecAttachOptions{})
		if err != nil {
			return err
		}
		defer attach.Close()

		outR, outW := io.Pipe()
		errR, errW := io.Pipe()
		copyDone := make(chan error, 1)
		go func() {
			_, err := stdcopy.StdCopy(outW, errW, attach.Reader)
			outW.Close()
			errW.Close()
			copyDone <- err
		}()

		var wg sync.WaitGroup
		for name, r := range map[string]io.Reader{"stdout": outR, "stderr": errR} {
			wg.Add(1)
			go func(name string, r io.Reader) {
				defer wg.Done()
				buf := make([]byte, 4096)
				for {
					n, err := r.Read(buf)
					if n > 0 {
						onChunk(name, buf[:n])
					}
					if err != nil {
						return
					}
				}
			}(name, r)
		}

		select {
		case <-execCtx.Done():
			exitCode = ExitTimeout
			onChunk("stderr", []byte(fmt.Sprintf("command timed out after %s", timeout)))
			return nil
		case err := <-copyDone:
			wg.Wait()
			if err != nil {
				return err
			}
		}

		inspect, err := conn.Client.ContainerExecInspect(ctx, created.ID)
		if err != nil {
			return err
		}
		exitCode = inspect.ExitCode
		return nil
	})
	return exitCode, err
}

// ExecInteractive starts a TTY exec session and returns the hijacked
// connection plus the exec id for resizes. The caller owns the close.
func (d *Driver) ExecInteractive(ctx context.Context, hostID, containerID string, cmd []string, env []string) (types.HijackedResponse, string, error) {
	conn, err := d.pool.Get(hostID)
	if err != nil {
		return types.HijackedResponse{}, "", err
	}

	created, err := conn.Client.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		Env:          env,
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return types.HijackedResponse{}, "", err
	}

	attach, err := conn.Client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{Tty: true})
	if err != nil {
		return types.HijackedResponse{}, "", err
	}
	return attach, created.ID, nil
}

// ResizeExec resizes a TTY exec session.
func (d *Driver) ResizeExec(ctx context.Context, hostID, execID string, height, width uint) error {
	conn, err := d.pool.Get(hostID)
	if err != nil {
		return err
	}
	return conn.Client.ContainerExecResize(ctx, execID, container.ResizeOptions{Height: height, Width: width})
}

// ListWorkspaceContainers returns ids of labeled workspace containers.
func (d *Driver) ListWorkspaceContainers(ctx context.Context, hostID string) ([]string, error) {
	conn, err := d.pool.Get(hostID)
	if err != nil {
		return nil, err
	}
	var ids []string
	err = d.pool.withWorker(ctx, func() error {
		list, err := conn.Client.ContainerList(ctx, container.ListOptions{
			All:     true,
			Filters: filters.NewArgs(filters.Arg("label", WorkspaceLabel+"=true")),
		})
		if err != nil {
			return err
		}
		for _, c := range list {
			ids = append(ids, c.ID)
		}
		return nil
	})
	return ids, err
}

// UpdateResources applies cpu/memory limits to a live container.
func (d *Driver) UpdateResources(ctx context.Context, hostID, containerID string, cpuCores float64, memoryMiB int64) error {
	conn, err := d.pool.Get(hostID)
	if err != nil {
		return err
	}
	return d.pool.withWorker(ctx, func() error {
		_, err := conn.Client.ContainerUpdate(ctx, containerID, container.UpdateConfig{
			Resources: container.Resources{
				NanoCPUs: int64(cpuCores * 1e9),
				Memory:   memoryMiB * 1024 * 1024,
			},
		})
		return err
	})
}

func isNotFound(err error) bool {
	return err != nil && errdefs.IsNotFound(err)
}
