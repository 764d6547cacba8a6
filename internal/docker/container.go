package docker

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	units "github.com/docker/go-units"

	"github.com/krishna-shrivastav232702/proctored-ide/internal/domain"
)

// WorkspacePath is the canonical in-container mount point of the team volume.
const WorkspacePath = "/workspace"

const stopTimeoutSeconds = 10

// ContainerSpec describes a team dev container to create.
type ContainerSpec struct {
	TeamID    string
	Image     string
	Env       []string
	Volume    string
	Limits    domain.ResourceLimits
	PidsLimit int64
	DevPort   int
}

// EnsureVolume creates the named volume, tolerating one that already exists.
func (c *Client) EnsureVolume(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("volume name cannot be empty")
	}
	if _, err := c.inner.VolumeCreate(ctx, volume.CreateOptions{Name: name}); err != nil {
		if _, ierr := c.inner.VolumeInspect(ctx, name); ierr == nil {
			return nil
		}
		return fmt.Errorf("create volume %s: %w", name, err)
	}
	return nil
}

// CreateTeamContainer creates and starts a resource-limited dev container
// with the team workspace volume bound at WorkspacePath.
func (c *Client) CreateTeamContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	if strings.TrimSpace(spec.TeamID) == "" {
		return "", fmt.Errorf("team id cannot be empty")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return "", fmt.Errorf("image cannot be empty")
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		Cmd:          []string{"/bin/sh"},
		WorkingDir:   WorkspacePath,
		Tty:          true,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}
	if spec.DevPort > 0 {
		port, err := nat.NewPort("tcp", fmt.Sprintf("%d", spec.DevPort))
		if err != nil {
			return "", fmt.Errorf("dev port: %w", err)
		}
		cfg.ExposedPorts = nat.PortSet{port: struct{}{}}
	}

	pids := spec.PidsLimit
	hostCfg := &container.HostConfig{
		NetworkMode: "bridge",
		AutoRemove:  false,
		Binds:       []string{spec.Volume + ":" + WorkspacePath},
		Resources: container.Resources{
			Memory:    spec.Limits.MemoryBytes,
			NanoCPUs:  spec.Limits.CPUNanos,
			PidsLimit: &pids,
			Ulimits: []*units.Ulimit{
				{Name: "nofile", Soft: 1024, Hard: 1024},
				{Name: "nproc", Soft: pids, Hard: pids},
			},
		},
	}

	created, err := c.inner.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "ide-"+spec.TeamID)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	if err := c.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("container start: %w", err)
	}
	return created.ID, nil
}

// StartContainer starts an existing stopped container.
func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	if err := c.inner.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("container start: %w", err)
	}
	return nil
}

// IsRunning reports whether the container exists and is running.
// A container unknown to the runtime yields ErrNotFound.
func (c *Client) IsRunning(ctx context.Context, containerID string) (bool, error) {
	inspect, err := c.inner.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("container inspect: %w", err)
	}
	return inspect.State != nil && inspect.State.Running, nil
}

// StopAndRemove gracefully stops then removes a container, tolerating one
// that is already gone.
func (c *Client) StopAndRemove(ctx context.Context, containerID string) error {
	timeout := stopTimeoutSeconds
	if err := c.inner.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if !client.IsErrNotFound(err) {
			return fmt.Errorf("container stop: %w", err)
		}
	}
	if err := c.inner.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

// UpdateResources applies a new resource ceiling to a running container.
func (c *Client) UpdateResources(ctx context.Context, containerID string, limits domain.ResourceLimits) error {
	update := container.UpdateConfig{
		Resources: container.Resources{
			NanoCPUs: limits.CPUNanos,
			Memory:   limits.MemoryBytes,
			// Swap must track the memory ceiling or the daemon rejects
			// updates below the current swap limit.
			MemorySwap: limits.MemoryBytes * 2,
		},
	}
	if _, err := c.inner.ContainerUpdate(ctx, containerID, update); err != nil {
		return fmt.Errorf("container update: %w", err)
	}
	return nil
}
