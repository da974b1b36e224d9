package runtime

import (
	"context"
	"time"

	"github.com/nexushq/nexus/internal/worker/docker"
)

// Engine is the slice of the container driver the runtime manager uses.
// Implemented by the docker client; faked in tests.
type Engine interface {
	Ping(ctx context.Context) error
	EnsureImage(ctx context.Context, ref string) error
	CreateContainer(ctx context.Context, cfg docker.ContainerConfig) (string, error)
	StartContainer(ctx context.Context, ref string) error
	StopContainer(ctx context.Context, ref string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, ref string, force bool) error
	InspectContainer(ctx context.Context, ref string) (*docker.ContainerInfo, error)
	ListContainers(ctx context.Context, labels map[string]string) ([]docker.ContainerInfo, error)
	EnsureVolume(ctx context.Context, name string, labels map[string]string) error
	RemoveVolume(ctx context.Context, name string, force bool) error
	EnsureNetwork(ctx context.Context, name string) error
	RunOneShot(ctx context.Context, img string, cmd []string, vol docker.VolumeMount, labels map[string]string) error
}

var _ Engine = (*docker.Client)(nil)
