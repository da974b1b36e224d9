package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nexushq/nexus/internal/worker/docker"
)

// fakeServerEngine is a minimal in-memory container engine for routing tests.
// Operation semantics are covered by the runtime package's own tests.
type fakeServerEngine struct {
	mu         sync.Mutex
	containers map[string]*docker.ContainerInfo
}

func newFakeServerEngine() *fakeServerEngine {
	return &fakeServerEngine{containers: make(map[string]*docker.ContainerInfo)}
}

func (f *fakeServerEngine) Ping(context.Context) error { return nil }

func (f *fakeServerEngine) EnsureImage(context.Context, string) error { return nil }

func (f *fakeServerEngine) CreateContainer(_ context.Context, cfg docker.ContainerConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[cfg.Name] = &docker.ContainerInfo{
		ID:     "cid-" + cfg.Name,
		Name:   cfg.Name,
		Image:  cfg.Image,
		State:  "created",
		Labels: cfg.Labels,
	}
	return "cid-" + cfg.Name, nil
}

func (f *fakeServerEngine) StartContainer(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.containers[ref]
	if !ok {
		return fmt.Errorf("no such container: %s", ref)
	}
	info.State = "running"
	info.StartedAt = time.Now().UTC()
	return nil
}

func (f *fakeServerEngine) StopContainer(_ context.Context, ref string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if info, ok := f.containers[ref]; ok {
		info.State = "exited"
	}
	return nil
}

func (f *fakeServerEngine) RemoveContainer(_ context.Context, ref string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, ref)
	return nil
}

func (f *fakeServerEngine) InspectContainer(_ context.Context, ref string) (*docker.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.containers[ref]
	if !ok {
		return nil, nil
	}
	copied := *info
	return &copied, nil
}

func (f *fakeServerEngine) ListContainers(context.Context, map[string]string) ([]docker.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []docker.ContainerInfo
	for _, info := range f.containers {
		out = append(out, *info)
	}
	return out, nil
}

func (f *fakeServerEngine) EnsureVolume(context.Context, string, map[string]string) error {
	return nil
}

func (f *fakeServerEngine) RemoveVolume(context.Context, string, bool) error { return nil }

func (f *fakeServerEngine) EnsureNetwork(context.Context, string) error { return nil }

func (f *fakeServerEngine) RunOneShot(context.Context, string, []string, docker.VolumeMount, map[string]string) error {
	return nil
}
