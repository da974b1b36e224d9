// Package docker wraps the Docker SDK with the operations the worker needs
// to drive per-tenant runtime containers, named volumes and the shared
// tenant network.
package docker

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/nexushq/nexus/internal/common/config"
	"github.com/nexushq/nexus/internal/common/logger"
)

// TenantLabel marks every container and volume the worker owns with its
// tenant id. Reconciliation discovers runtimes through it.
const TenantLabel = "nexus.tenant"

// ContainerConfig describes a tenant runtime container.
type ContainerConfig struct {
	Name    string
	Image   string
	Env     []string
	Volumes []VolumeMount
	Network string
	Labels  map[string]string
}

// VolumeMount attaches a named volume inside the container.
type VolumeMount struct {
	Name   string
	Target string
}

// ContainerInfo is the worker's view of one container.
type ContainerInfo struct {
	ID         string
	Name       string
	Image      string
	State      string // created, running, paused, restarting, removing, exited, dead
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time
	ExitCode   int
	Health     string
	Labels     map[string]string
}

// Running reports whether the engine considers the container up.
func (i *ContainerInfo) Running() bool {
	return i.State == "running"
}

// Client wraps the Docker client.
type Client struct {
	cli    *client.Client
	logger *logger.Logger
	config config.DockerConfig
}

// NewClient creates a Docker client from the worker's engine config.
func NewClient(cfg config.DockerConfig, log *logger.Logger) (*Client, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	log.Info("Docker client created",
		zap.String("host", cfg.Host),
		zap.String("api_version", cfg.APIVersion),
	)

	return &Client{cli: cli, logger: log, config: cfg}, nil
}

// Close closes the Docker client.
func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping checks that the engine is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

// EnsureImage pulls the image unless it is already present locally.
func (c *Client) EnsureImage(ctx context.Context, ref string) error {
	if _, _, err := c.cli.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	}

	c.logger.Info("Pulling image", zap.String("image", ref))
	reader, err := c.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer func() { _ = reader.Close() }()

	// Drain the progress stream; the pull is not complete until EOF
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("error reading image pull output: %w", err)
	}

	c.logger.Info("Image pulled", zap.String("image", ref))
	return nil
}

// CreateContainer creates a runtime container attached to the tenant
// network with its named volumes mounted. The restart policy keeps the
// runtime up across engine restarts until the worker stops it.
func (c *Client) CreateContainer(ctx context.Context, cfg ContainerConfig) (string, error) {
	c.logger.Info("Creating container",
		zap.String("name", cfg.Name),
		zap.String("image", cfg.Image),
	)

	mounts := make([]mount.Mount, 0, len(cfg.Volumes))
	for _, v := range cfg.Volumes {
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeVolume,
			Source: v.Name,
			Target: v.Target,
		})
	}

	containerCfg := &container.Config{
		Image:  cfg.Image,
		Env:    cfg.Env,
		Labels: cfg.Labels,
	}
	hostCfg := &container.HostConfig{
		Mounts:        mounts,
		NetworkMode:   container.NetworkMode(cfg.Network),
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, cfg.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", cfg.Name, err)
	}

	c.logger.Info("Container created", zap.String("id", resp.ID), zap.String("name", cfg.Name))
	return resp.ID, nil
}

// StartContainer starts a container by id or name.
func (c *Client) StartContainer(ctx context.Context, ref string) error {
	if err := c.cli.ContainerStart(ctx, ref, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", ref, err)
	}
	c.logger.Info("Container started", zap.String("container", ref))
	return nil
}

// StopContainer stops a container with a grace period.
func (c *Client) StopContainer(ctx context.Context, ref string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	err := c.cli.ContainerStop(ctx, ref, container.StopOptions{Timeout: &seconds})
	if err != nil {
		return fmt.Errorf("failed to stop container %s: %w", ref, err)
	}
	c.logger.Info("Container stopped", zap.String("container", ref))
	return nil
}

// RemoveContainer removes a container. Volumes are managed separately and
// never removed here; session and state must survive container churn.
func (c *Client) RemoveContainer(ctx context.Context, ref string, force bool) error {
	err := c.cli.ContainerRemove(ctx, ref, container.RemoveOptions{
		Force:         force,
		RemoveVolumes: false,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove container %s: %w", ref, err)
	}
	c.logger.Info("Container removed", zap.String("container", ref))
	return nil
}

// InspectContainer returns container details, or nil if it does not exist.
func (c *Client) InspectContainer(ctx context.Context, ref string) (*ContainerInfo, error) {
	inspect, err := c.cli.ContainerInspect(ctx, ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to inspect container %s: %w", ref, err)
	}

	info := &ContainerInfo{
		ID:       inspect.ID,
		Name:     trimSlash(inspect.Name),
		State:    inspect.State.Status,
		Status:   inspect.State.Status,
		ExitCode: inspect.State.ExitCode,
	}
	if inspect.Config != nil {
		info.Image = inspect.Config.Image
		info.Labels = inspect.Config.Labels
	}
	if inspect.State.StartedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
			info.StartedAt = t
		}
	}
	if inspect.State.FinishedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt); err == nil {
			info.FinishedAt = t
		}
	}
	if inspect.State.Health != nil {
		info.Health = inspect.State.Health.Status
	}
	return info, nil
}

// ListContainers returns all containers carrying the given labels, running
// or not.
func (c *Client) ListContainers(ctx context.Context, labels map[string]string) ([]ContainerInfo, error) {
	filterArgs := filters.NewArgs()
	for key, value := range labels {
		if value == "" {
			filterArgs.Add("label", key)
		} else {
			filterArgs.Add("label", fmt.Sprintf("%s=%s", key, value))
		}
	}

	containers, err := c.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	infos := make([]ContainerInfo, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = trimSlash(ctr.Names[0])
		}
		infos = append(infos, ContainerInfo{
			ID:     ctr.ID,
			Name:   name,
			Image:  ctr.Image,
			State:  ctr.State,
			Status: ctr.Status,
			Labels: ctr.Labels,
		})
	}
	return infos, nil
}

// EnsureVolume creates a named volume; creating an existing volume is a
// no-op on the engine side.
func (c *Client) EnsureVolume(ctx context.Context, name string, labels map[string]string) error {
	_, err := c.cli.VolumeCreate(ctx, volume.CreateOptions{Name: name, Labels: labels})
	if err != nil {
		return fmt.Errorf("failed to create volume %s: %w", name, err)
	}
	return nil
}

// RemoveVolume removes a named volume. A missing volume is not an error.
func (c *Client) RemoveVolume(ctx context.Context, name string, force bool) error {
	if err := c.cli.VolumeRemove(ctx, name, force); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove volume %s: %w", name, err)
	}
	c.logger.Info("Volume removed", zap.String("volume", name))
	return nil
}

// EnsureNetwork creates the shared tenant bridge network if it does not
// exist yet.
func (c *Client) EnsureNetwork(ctx context.Context, name string) error {
	if _, err := c.cli.NetworkInspect(ctx, name, network.InspectOptions{}); err == nil {
		return nil
	} else if !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to inspect network %s: %w", name, err)
	}

	_, err := c.cli.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge"})
	if err != nil {
		return fmt.Errorf("failed to create network %s: %w", name, err)
	}
	c.logger.Info("Network created", zap.String("network", name))
	return nil
}

// RunOneShot runs a command in a throwaway container with one named volume
// mounted and waits for it to exit. Used to wipe the bridge session volume
// before a fresh pairing.
func (c *Client) RunOneShot(ctx context.Context, img string, cmd []string, vol VolumeMount, labels map[string]string) error {
	if err := c.EnsureImage(ctx, img); err != nil {
		return err
	}

	resp, err := c.cli.ContainerCreate(ctx,
		&container.Config{Image: img, Cmd: cmd, Labels: labels},
		&container.HostConfig{
			Mounts: []mount.Mount{{Type: mount.TypeVolume, Source: vol.Name, Target: vol.Target}},
		},
		nil, nil, "")
	if err != nil {
		return fmt.Errorf("failed to create one-shot container: %w", err)
	}
	defer func() {
		_ = c.cli.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
	}()

	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start one-shot container: %w", err)
	}

	statusCh, errCh := c.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("error waiting for one-shot container: %w", err)
		}
	case status := <-statusCh:
		if status.StatusCode != 0 {
			return fmt.Errorf("one-shot command exited with code %d", status.StatusCode)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func trimSlash(name string) string {
	if len(name) > 0 && name[0] == '/' {
		return name[1:]
	}
	return name
}
