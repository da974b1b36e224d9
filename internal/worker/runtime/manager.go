// Package runtime materializes tenant runtimes on the worker host: the
// per-tenant directory tree, named volumes, the shared network, and the
// runtime container itself. Every operation is idempotent against the
// engine's current state so that retries and reconciles converge.
package runtime

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/nexushq/nexus/internal/common/config"
	"github.com/nexushq/nexus/internal/common/logger"
	"github.com/nexushq/nexus/internal/worker/docker"
	"github.com/nexushq/nexus/internal/worker/publisher"
	v1 "github.com/nexushq/nexus/pkg/api/v1"
)

// wipeImage runs the session wipe one-shot. Small, ubiquitous, sh-capable.
const wipeImage = "busybox:stable"

// Watcher attaches and detaches the bridge monitor as runtimes come and go.
// Implemented by the monitor package; nil-safe via noopWatcher.
type Watcher interface {
	Watch(tenantID string)
	Unwatch(tenantID string)
}

type noopWatcher struct{}

func (noopWatcher) Watch(string)   {}
func (noopWatcher) Unwatch(string) {}

// Manager owns tenant runtime state on this worker.
type Manager struct {
	engine  Engine
	layout  Layout
	pub     *publisher.Publisher
	watcher Watcher
	runtime config.RuntimeConfig
	docker  config.DockerConfig
	logger  *logger.Logger

	// locks maps tenant id to its operation mutex; operations on one tenant
	// serialize, tenants stay independent.
	locks sync.Map
}

func NewManager(engine Engine, runtimeCfg config.RuntimeConfig, dockerCfg config.DockerConfig, pub *publisher.Publisher, log *logger.Logger) *Manager {
	return &Manager{
		engine:  engine,
		layout:  Layout{Root: runtimeCfg.TenantRoot},
		pub:     pub,
		watcher: noopWatcher{},
		runtime: runtimeCfg,
		docker:  dockerCfg,
		logger:  log.WithFields(zap.String("component", "runtime-manager")),
	}
}

// SetWatcher wires the bridge monitor. Must be called before serving.
func (m *Manager) SetWatcher(w Watcher) {
	if w != nil {
		m.watcher = w
	}
}

// Layout exposes the tenant directory resolver, mainly for the reconciler.
func (m *Manager) Layout() Layout {
	return m.layout
}

func (m *Manager) lock(tenantID string) *sync.Mutex {
	mu, _ := m.locks.LoadOrStore(tenantID, &sync.Mutex{})
	return mu.(*sync.Mutex) //nolint:forcetypeassert // LoadOrStore always stores *sync.Mutex
}

func (m *Manager) labels(tenantID string) map[string]string {
	return map[string]string{docker.TenantLabel: tenantID}
}

func (m *Manager) image(override string, desired *DesiredState) string {
	if override != "" {
		return override
	}
	if desired != nil && desired.Image != "" {
		return desired.Image
	}
	return m.runtime.Image
}

// Provision materializes the tenant's directory tree, volumes and network,
// and pulls the runtime image. The container itself is created on start.
func (m *Manager) Provision(ctx context.Context, tenantID string, req v1.ProvisionRequest) error {
	ctx, cancel := context.WithTimeout(ctx, m.runtime.ProvisionDeadlineDuration())
	defer cancel()

	mu := m.lock(tenantID)
	mu.Lock()
	defer mu.Unlock()

	image := m.image(req.NexusImage, nil)

	if err := m.materialize(tenantID, image, 1, req.Env, req.Prompts, req.Skills); err != nil {
		return err
	}
	if err := m.engine.EnsureNetwork(ctx, m.docker.TenantNetwork); err != nil {
		return err
	}
	if err := m.engine.EnsureVolume(ctx, SessionVolume(tenantID), m.labels(tenantID)); err != nil {
		return err
	}
	if err := m.engine.EnsureVolume(ctx, StateVolume(tenantID), m.labels(tenantID)); err != nil {
		return err
	}
	if err := m.engine.EnsureImage(ctx, image); err != nil {
		return err
	}

	if err := m.layout.WriteDesired(&DesiredState{
		TenantID: tenantID,
		State:    string(v1.TenantStatePaused),
		Image:    image,
		Revision: 1,
	}); err != nil {
		return err
	}

	m.pub.Status(ctx, tenantID, string(v1.TenantStatePaused), "provisioned")
	m.logger.Info("Tenant provisioned",
		zap.String("tenant_id", tenantID), zap.String("image", image))
	return nil
}

// Start brings the runtime container up, recreating it when the desired
// image changed underneath it.
func (m *Manager) Start(ctx context.Context, tenantID string, req v1.ActionRequest) error {
	ctx, cancel := context.WithTimeout(ctx, m.runtime.ProvisionDeadlineDuration())
	defer cancel()

	mu := m.lock(tenantID)
	mu.Lock()
	defer mu.Unlock()

	desired, err := m.requireDesired(tenantID)
	if err != nil {
		return err
	}
	image := m.image(req.NexusImage, desired)

	if err := m.ensureRunning(ctx, tenantID, image); err != nil {
		return err
	}

	desired.State = string(v1.TenantStateRunning)
	desired.Image = image
	if err := m.layout.WriteDesired(desired); err != nil {
		return err
	}

	m.watcher.Watch(tenantID)
	m.pub.Status(ctx, tenantID, string(v1.TenantStateRunning), "")
	return nil
}

// Stop stops the runtime container. Volumes and config stay in place.
func (m *Manager) Stop(ctx context.Context, tenantID string) error {
	ctx, cancel := context.WithTimeout(ctx, m.runtime.OpDeadlineDuration())
	defer cancel()

	mu := m.lock(tenantID)
	mu.Lock()
	defer mu.Unlock()

	desired, err := m.requireDesired(tenantID)
	if err != nil {
		return err
	}

	m.watcher.Unwatch(tenantID)
	if err := m.stopContainer(ctx, tenantID); err != nil {
		return err
	}

	desired.State = string(v1.TenantStatePaused)
	if err := m.layout.WriteDesired(desired); err != nil {
		return err
	}

	m.pub.Status(ctx, tenantID, string(v1.TenantStatePaused), "")
	return nil
}

// Restart stops and starts the runtime container.
func (m *Manager) Restart(ctx context.Context, tenantID string, req v1.ActionRequest) error {
	ctx, cancel := context.WithTimeout(ctx, m.runtime.ProvisionDeadlineDuration())
	defer cancel()

	mu := m.lock(tenantID)
	mu.Lock()
	defer mu.Unlock()

	desired, err := m.requireDesired(tenantID)
	if err != nil {
		return err
	}
	image := m.image(req.NexusImage, desired)

	if err := m.stopContainer(ctx, tenantID); err != nil {
		return err
	}
	if err := m.removeContainer(ctx, tenantID); err != nil {
		return err
	}
	if err := m.ensureRunning(ctx, tenantID, image); err != nil {
		return err
	}

	desired.State = string(v1.TenantStateRunning)
	desired.Image = image
	if err := m.layout.WriteDesired(desired); err != nil {
		return err
	}

	m.watcher.Watch(tenantID)
	m.pub.Status(ctx, tenantID, string(v1.TenantStateRunning), "restarted")
	return nil
}

// ApplyConfig rewrites the tenant's materialized config and recreates the
// container when it is running, so the new env takes effect.
func (m *Manager) ApplyConfig(ctx context.Context, tenantID string, req v1.ApplyConfigRequest) error {
	ctx, cancel := context.WithTimeout(ctx, m.runtime.OpDeadlineDuration())
	defer cancel()

	mu := m.lock(tenantID)
	mu.Lock()
	defer mu.Unlock()

	desired, err := m.requireDesired(tenantID)
	if err != nil {
		return err
	}
	image := m.image(req.NexusImage, desired)

	if err := m.materialize(tenantID, image, req.Revision, req.Env, req.Prompts, req.Skills); err != nil {
		return err
	}
	desired.Revision = req.Revision
	desired.Image = image
	if err := m.layout.WriteDesired(desired); err != nil {
		return err
	}

	info, err := m.engine.InspectContainer(ctx, ContainerName(tenantID))
	if err != nil {
		return err
	}
	if info != nil && info.Running() {
		// Env only takes effect on a fresh container
		if err := m.stopContainer(ctx, tenantID); err != nil {
			return err
		}
		if err := m.removeContainer(ctx, tenantID); err != nil {
			return err
		}
		if err := m.ensureRunning(ctx, tenantID, image); err != nil {
			return err
		}
		m.pub.Status(ctx, tenantID, desired.State, fmt.Sprintf("config revision %d applied", req.Revision))
	}

	m.logger.Info("Config applied",
		zap.String("tenant_id", tenantID), zap.Int64("revision", req.Revision))
	return nil
}

// PairStart wipes the bridge session volume and restarts the runtime into a
// fresh pairing cycle. The baseline rides on the pending_pairing status so
// stream consumers can drop stale QR events.
func (m *Manager) PairStart(ctx context.Context, tenantID string, req v1.PairStartRequest) error {
	ctx, cancel := context.WithTimeout(ctx, m.runtime.ProvisionDeadlineDuration())
	defer cancel()

	mu := m.lock(tenantID)
	mu.Lock()
	defer mu.Unlock()

	desired, err := m.requireDesired(tenantID)
	if err != nil {
		return err
	}
	image := m.image(req.NexusImage, desired)

	if err := m.recycleSession(ctx, tenantID, image); err != nil {
		return err
	}

	desired.State = string(v1.TenantStatePendingPairing)
	desired.Image = image
	desired.Baseline = req.Baseline
	if err := m.layout.WriteDesired(desired); err != nil {
		return err
	}

	m.watcher.Watch(tenantID)
	m.pub.StatusBaseline(ctx, tenantID, req.Baseline)
	m.logger.Info("Pairing cycle started",
		zap.String("tenant_id", tenantID), zap.Int64("baseline", req.Baseline))
	return nil
}

// Disconnect drops the WhatsApp session. The runtime restarts with an empty
// session volume and comes back asking to pair.
func (m *Manager) Disconnect(ctx context.Context, tenantID string) error {
	ctx, cancel := context.WithTimeout(ctx, m.runtime.OpDeadlineDuration())
	defer cancel()

	mu := m.lock(tenantID)
	mu.Lock()
	defer mu.Unlock()

	desired, err := m.requireDesired(tenantID)
	if err != nil {
		return err
	}

	if err := m.recycleSession(ctx, tenantID, m.image("", desired)); err != nil {
		return err
	}

	desired.State = string(v1.TenantStatePendingPairing)
	desired.Baseline = 0
	if err := m.layout.WriteDesired(desired); err != nil {
		return err
	}

	m.watcher.Watch(tenantID)
	m.pub.Status(ctx, tenantID, string(v1.TenantStatePendingPairing), "session dropped")
	return nil
}

// Delete tears the tenant down: container, both volumes, directory tree.
func (m *Manager) Delete(ctx context.Context, tenantID string) error {
	ctx, cancel := context.WithTimeout(ctx, m.runtime.OpDeadlineDuration())
	defer cancel()

	mu := m.lock(tenantID)
	mu.Lock()
	defer mu.Unlock()

	m.watcher.Unwatch(tenantID)

	if err := m.removeContainer(ctx, tenantID); err != nil {
		return err
	}
	if err := m.engine.RemoveVolume(ctx, SessionVolume(tenantID), true); err != nil {
		return err
	}
	if err := m.engine.RemoveVolume(ctx, StateVolume(tenantID), true); err != nil {
		return err
	}
	if err := m.layout.Remove(tenantID); err != nil {
		return err
	}

	m.pub.Status(ctx, tenantID, string(v1.TenantStateDeleted), "")
	m.logger.Info("Tenant deleted", zap.String("tenant_id", tenantID))
	return nil
}

// Health reports one tenant's runtime as the engine sees it.
func (m *Manager) Health(ctx context.Context, tenantID string) (*v1.TenantHealthResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, m.runtime.OpDeadlineDuration())
	defer cancel()

	resp := &v1.TenantHealthResponse{TenantID: tenantID}

	desired, err := m.layout.ReadDesired(tenantID)
	if err != nil {
		return nil, err
	}
	info, err := m.engine.InspectContainer(ctx, ContainerName(tenantID))
	if err != nil {
		return nil, err
	}

	resp.Exists = desired != nil || info != nil
	resp.State = observedState(desired, info)
	if info != nil && !info.StartedAt.IsZero() {
		started := info.StartedAt
		resp.StartedAt = &started
	}
	return resp, nil
}

// TenantCount returns how many tenants are materialized on this worker.
func (m *Manager) TenantCount() int {
	ids, err := m.layout.ListTenants()
	if err != nil {
		return 0
	}
	return len(ids)
}

// observedState maps engine and desired state to the runtime state machine.
func observedState(desired *DesiredState, info *docker.ContainerInfo) string {
	switch {
	case info == nil && desired == nil:
		return string(v1.TenantStateDeleted)
	case info == nil:
		return string(v1.TenantStatePaused)
	case info.Running():
		if desired != nil && desired.State == string(v1.TenantStatePendingPairing) {
			return string(v1.TenantStatePendingPairing)
		}
		return string(v1.TenantStateRunning)
	case info.State == "dead":
		return string(v1.TenantStateError)
	default:
		return string(v1.TenantStatePaused)
	}
}

// materialize writes the tenant directory tree: compose, env file, config.
func (m *Manager) materialize(tenantID, image string, revision int64, env map[string]string, prompts, skills []v1.ArtifactFile) error {
	if err := os.MkdirAll(m.layout.TenantDir(tenantID), 0o700); err != nil {
		return fmt.Errorf("failed to create tenant dir: %w", err)
	}

	compose, err := RenderCompose(tenantID, image, m.runtime.BridgePort, m.docker.TenantNetwork)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(m.layout.ComposePath(tenantID), []byte(compose), 0o600); err != nil {
		return err
	}
	if err := m.layout.WriteEnvFile(tenantID, env); err != nil {
		return err
	}
	return m.layout.WriteConfig(tenantID, env, artifactMap(prompts), artifactMap(skills))
}

func artifactMap(files []v1.ArtifactFile) map[string]string {
	out := make(map[string]string, len(files))
	for _, f := range files {
		out[f.Name] = f.Content
	}
	return out
}

// ensureRunning creates the container if needed and starts it. A container
// on the wrong image is recreated.
func (m *Manager) ensureRunning(ctx context.Context, tenantID, image string) error {
	name := ContainerName(tenantID)

	info, err := m.engine.InspectContainer(ctx, name)
	if err != nil {
		return err
	}
	if info != nil && info.Image != image {
		if err := m.stopContainer(ctx, tenantID); err != nil {
			return err
		}
		if err := m.removeContainer(ctx, tenantID); err != nil {
			return err
		}
		info = nil
	}

	if info == nil {
		if err := m.engine.EnsureNetwork(ctx, m.docker.TenantNetwork); err != nil {
			return err
		}
		if err := m.engine.EnsureVolume(ctx, SessionVolume(tenantID), m.labels(tenantID)); err != nil {
			return err
		}
		if err := m.engine.EnsureVolume(ctx, StateVolume(tenantID), m.labels(tenantID)); err != nil {
			return err
		}
		if err := m.engine.EnsureImage(ctx, image); err != nil {
			return err
		}
		env, err := m.layout.ReadEnvFile(tenantID)
		if err != nil {
			return err
		}
		if _, err := m.engine.CreateContainer(ctx, docker.ContainerConfig{
			Name:    name,
			Image:   image,
			Env:     containerEnv(tenantID, env),
			Network: m.docker.TenantNetwork,
			Labels:  m.labels(tenantID),
			Volumes: []docker.VolumeMount{
				{Name: SessionVolume(tenantID), Target: "/session"},
				{Name: StateVolume(tenantID), Target: "/data"},
			},
		}); err != nil {
			return err
		}
	} else if info.Running() {
		return nil
	}

	return m.engine.StartContainer(ctx, name)
}

// containerEnv renders the env map as the engine expects, with the tenant
// id always present.
func containerEnv(tenantID string, env map[string]string) []string {
	out := make([]string, 0, len(env)+1)
	out = append(out, "TENANT_ID="+tenantID)
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// stopContainer stops the runtime if it exists and is running.
func (m *Manager) stopContainer(ctx context.Context, tenantID string) error {
	name := ContainerName(tenantID)
	info, err := m.engine.InspectContainer(ctx, name)
	if err != nil {
		return err
	}
	if info == nil || !info.Running() {
		return nil
	}
	return m.engine.StopContainer(ctx, name, m.runtime.StopTimeoutDuration())
}

// removeContainer removes the runtime container if it exists.
func (m *Manager) removeContainer(ctx context.Context, tenantID string) error {
	return m.engine.RemoveContainer(ctx, ContainerName(tenantID), true)
}

// recycleSession stops the runtime, wipes the session volume with a
// one-shot container, and brings the runtime back up.
func (m *Manager) recycleSession(ctx context.Context, tenantID, image string) error {
	if err := m.stopContainer(ctx, tenantID); err != nil {
		return err
	}
	if err := m.removeContainer(ctx, tenantID); err != nil {
		return err
	}
	if err := m.engine.EnsureVolume(ctx, SessionVolume(tenantID), m.labels(tenantID)); err != nil {
		return err
	}
	if err := m.engine.RunOneShot(ctx, wipeImage,
		[]string{"sh", "-c", "find /session -mindepth 1 -delete"},
		docker.VolumeMount{Name: SessionVolume(tenantID), Target: "/session"},
		m.labels(tenantID),
	); err != nil {
		return fmt.Errorf("failed to wipe session volume: %w", err)
	}
	return m.ensureRunning(ctx, tenantID, image)
}

// requireDesired loads the tenant's desired state and fails when the tenant
// was never provisioned on this worker.
func (m *Manager) requireDesired(tenantID string) (*DesiredState, error) {
	desired, err := m.layout.ReadDesired(tenantID)
	if err != nil {
		return nil, err
	}
	if desired == nil {
		return nil, &NotProvisionedError{TenantID: tenantID}
	}
	return desired, nil
}

// NotProvisionedError reports an operation on a tenant this worker has no
// materialized state for.
type NotProvisionedError struct {
	TenantID string
}

func (e *NotProvisionedError) Error() string {
	return fmt.Sprintf("tenant %s is not provisioned on this worker", e.TenantID)
}
