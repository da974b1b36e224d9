package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nexushq/nexus/internal/common/config"
	"github.com/nexushq/nexus/internal/common/logger"
	"github.com/nexushq/nexus/internal/events"
	"github.com/nexushq/nexus/internal/events/bus"
	"github.com/nexushq/nexus/internal/worker/docker"
	"github.com/nexushq/nexus/internal/worker/publisher"
	v1 "github.com/nexushq/nexus/pkg/api/v1"
)

const testTenant = "a1b2c3d4e5f60718"

// fakeEngine simulates the container engine in memory and records every call
// so tests can assert on the exact driver interaction.
type fakeEngine struct {
	mu         sync.Mutex
	calls      []string
	containers map[string]*docker.ContainerInfo
	volumes    map[string]struct{}
	networks   map[string]struct{}
	images     map[string]struct{}
	oneShots   []string
	createEnv  map[string][]string
	failCreate error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		containers: make(map[string]*docker.ContainerInfo),
		volumes:    make(map[string]struct{}),
		networks:   make(map[string]struct{}),
		images:     make(map[string]struct{}),
		createEnv:  make(map[string][]string),
	}
}

func (f *fakeEngine) record(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeEngine) callCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeEngine) Ping(context.Context) error { return nil }

func (f *fakeEngine) EnsureImage(_ context.Context, ref string) error {
	f.record("ensure-image %s", ref)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[ref] = struct{}{}
	return nil
}

func (f *fakeEngine) CreateContainer(_ context.Context, cfg docker.ContainerConfig) (string, error) {
	f.record("create %s", cfg.Name)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate != nil {
		return "", f.failCreate
	}
	f.containers[cfg.Name] = &docker.ContainerInfo{
		ID:     "cid-" + cfg.Name,
		Name:   cfg.Name,
		Image:  cfg.Image,
		State:  "created",
		Labels: cfg.Labels,
	}
	f.createEnv[cfg.Name] = cfg.Env
	return "cid-" + cfg.Name, nil
}

func (f *fakeEngine) StartContainer(_ context.Context, ref string) error {
	f.record("start %s", ref)
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

func (f *fakeEngine) StopContainer(_ context.Context, ref string, _ time.Duration) error {
	f.record("stop %s", ref)
	f.mu.Lock()
	defer f.mu.Unlock()
	if info, ok := f.containers[ref]; ok {
		info.State = "exited"
	}
	return nil
}

func (f *fakeEngine) RemoveContainer(_ context.Context, ref string, _ bool) error {
	f.record("remove %s", ref)
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, ref)
	return nil
}

func (f *fakeEngine) InspectContainer(_ context.Context, ref string) (*docker.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.containers[ref]
	if !ok {
		return nil, nil
	}
	copied := *info
	return &copied, nil
}

func (f *fakeEngine) ListContainers(_ context.Context, labels map[string]string) ([]docker.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []docker.ContainerInfo
	for _, info := range f.containers {
		match := true
		for k, v := range labels {
			got, ok := info.Labels[k]
			if !ok || (v != "" && got != v) {
				match = false
				break
			}
		}
		if match {
			out = append(out, *info)
		}
	}
	return out, nil
}

func (f *fakeEngine) EnsureVolume(_ context.Context, name string, _ map[string]string) error {
	f.record("ensure-volume %s", name)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumes[name] = struct{}{}
	return nil
}

func (f *fakeEngine) RemoveVolume(_ context.Context, name string, _ bool) error {
	f.record("remove-volume %s", name)
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.volumes, name)
	return nil
}

func (f *fakeEngine) EnsureNetwork(_ context.Context, name string) error {
	f.record("ensure-network %s", name)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.networks[name] = struct{}{}
	return nil
}

func (f *fakeEngine) RunOneShot(_ context.Context, img string, cmd []string, vol docker.VolumeMount, _ map[string]string) error {
	f.record("one-shot %s %s", img, vol.Name)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.oneShots = append(f.oneShots, img+" "+strings.Join(cmd, " "))
	return nil
}

// eventRecorder collects everything the manager publishes on the bus.
type eventRecorder struct {
	mu     sync.Mutex
	events []*bus.Event
}

func (r *eventRecorder) handle(_ context.Context, e *bus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *eventRecorder) statuses(t *testing.T) []events.StatusPayload {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.StatusPayload
	for _, e := range r.events {
		if e.Type != events.RuntimeStatus {
			continue
		}
		var p events.StatusPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			t.Fatalf("failed to decode status payload: %v", err)
		}
		out = append(out, p)
	}
	return out
}

func (r *eventRecorder) lastStatus(t *testing.T) events.StatusPayload {
	t.Helper()
	statuses := r.statuses(t)
	if len(statuses) == 0 {
		t.Fatal("no runtime.status events recorded")
	}
	return statuses[len(statuses)-1]
}

type recordWatcher struct {
	mu        sync.Mutex
	watched   map[string]int
	unwatched map[string]int
}

func newRecordWatcher() *recordWatcher {
	return &recordWatcher{watched: make(map[string]int), unwatched: make(map[string]int)}
}

func (w *recordWatcher) Watch(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watched[id]++
}

func (w *recordWatcher) Unwatch(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.unwatched[id]++
}

func newTestManager(t *testing.T) (*Manager, *fakeEngine, *eventRecorder, *recordWatcher) {
	t.Helper()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	memBus := bus.NewMemoryEventBus(log)
	rec := &eventRecorder{}
	if _, err := memBus.Subscribe(bus.AllTenantsPattern(), rec.handle); err != nil {
		t.Fatalf("failed to subscribe recorder: %v", err)
	}

	engine := newFakeEngine()
	manager := NewManager(engine, config.RuntimeConfig{
		TenantRoot:        t.TempDir(),
		Image:             "nexus/runtime:test",
		BridgePort:        8765,
		StopTimeout:       1,
		OpDeadline:        30,
		ProvisionDeadline: 60,
	}, config.DockerConfig{
		TenantNetwork: "nexus-tenants",
	}, publisher.New(memBus, log), log)

	watcher := newRecordWatcher()
	manager.SetWatcher(watcher)
	return manager, engine, rec, watcher
}

func provisionRequest() v1.ProvisionRequest {
	return v1.ProvisionRequest{
		Env: map[string]string{"NEXUS_OPENROUTER_API_KEY": "sk-or-test"},
		Prompts: []v1.ArtifactFile{
			{Name: "system", Content: "# system prompt"},
		},
		Skills: []v1.ArtifactFile{
			{Name: "calendar", Content: "# calendar skill"},
		},
	}
}

func TestManager_ProvisionMaterializesTenant(t *testing.T) {
	manager, engine, rec, _ := newTestManager(t)
	ctx := context.Background()

	if err := manager.Provision(ctx, testTenant, provisionRequest()); err != nil {
		t.Fatalf("provision failed: %v", err)
	}

	layout := manager.Layout()
	for _, path := range []string{
		layout.ComposePath(testTenant),
		layout.DesiredPath(testTenant),
		layout.EnvFilePath(testTenant),
		layout.EnvJSONPath(testTenant),
		filepath.Join(layout.PromptsDir(testTenant), "system.md"),
		filepath.Join(layout.SkillsDir(testTenant), "calendar.md"),
	} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("expected %s to exist: %v", path, err)
		}
	}

	desired, err := layout.ReadDesired(testTenant)
	if err != nil {
		t.Fatalf("failed to read desired state: %v", err)
	}
	if desired.State != string(v1.TenantStatePaused) {
		t.Errorf("expected paused desired state, got %q", desired.State)
	}
	if desired.Revision != 1 {
		t.Errorf("expected revision 1, got %d", desired.Revision)
	}
	if desired.Image != "nexus/runtime:test" {
		t.Errorf("unexpected image %q", desired.Image)
	}

	if _, ok := engine.volumes[SessionVolume(testTenant)]; !ok {
		t.Error("session volume not ensured")
	}
	if _, ok := engine.volumes[StateVolume(testTenant)]; !ok {
		t.Error("state volume not ensured")
	}
	if _, ok := engine.networks["nexus-tenants"]; !ok {
		t.Error("tenant network not ensured")
	}
	if _, ok := engine.images["nexus/runtime:test"]; !ok {
		t.Error("runtime image not pulled")
	}
	// Container is created lazily on start
	if n := engine.callCount("create "); n != 0 {
		t.Errorf("provision created a container, expected none")
	}

	status := rec.lastStatus(t)
	if status.State != string(v1.TenantStatePaused) || status.Detail != "provisioned" {
		t.Errorf("unexpected status event: %+v", status)
	}
}

func TestManager_StartIsIdempotent(t *testing.T) {
	manager, engine, _, watcher := newTestManager(t)
	ctx := context.Background()

	if err := manager.Provision(ctx, testTenant, provisionRequest()); err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	if err := manager.Start(ctx, testTenant, v1.ActionRequest{}); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	name := ContainerName(testTenant)
	info, _ := engine.InspectContainer(ctx, name)
	if info == nil || !info.Running() {
		t.Fatal("expected runtime container to be running")
	}

	env := engine.createEnv[name]
	if len(env) == 0 || env[0] != "TENANT_ID="+testTenant {
		t.Errorf("expected TENANT_ID to lead the container env, got %v", env)
	}
	found := false
	for _, e := range env {
		if e == "NEXUS_OPENROUTER_API_KEY=sk-or-test" {
			found = true
		}
	}
	if !found {
		t.Errorf("tenant env not passed to container: %v", env)
	}

	if err := manager.Start(ctx, testTenant, v1.ActionRequest{}); err != nil {
		t.Fatalf("second start failed: %v", err)
	}
	if n := engine.callCount("create "); n != 1 {
		t.Errorf("expected exactly one container create, got %d", n)
	}

	if watcher.watched[testTenant] == 0 {
		t.Error("start did not attach the bridge watcher")
	}

	desired, _ := manager.Layout().ReadDesired(testTenant)
	if desired.State != string(v1.TenantStateRunning) {
		t.Errorf("expected running desired state, got %q", desired.State)
	}
}

func TestManager_StartRequiresProvision(t *testing.T) {
	manager, _, _, _ := newTestManager(t)

	err := manager.Start(context.Background(), testTenant, v1.ActionRequest{})
	var notProvisioned *NotProvisionedError
	if !errors.As(err, &notProvisioned) {
		t.Fatalf("expected NotProvisionedError, got %v", err)
	}
	if notProvisioned.TenantID != testTenant {
		t.Errorf("unexpected tenant in error: %q", notProvisioned.TenantID)
	}
}

func TestManager_StopKeepsVolumes(t *testing.T) {
	manager, engine, rec, watcher := newTestManager(t)
	ctx := context.Background()

	if err := manager.Provision(ctx, testTenant, provisionRequest()); err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	if err := manager.Start(ctx, testTenant, v1.ActionRequest{}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := manager.Stop(ctx, testTenant); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	info, _ := engine.InspectContainer(ctx, ContainerName(testTenant))
	if info == nil || info.Running() {
		t.Error("expected stopped container to remain, not running")
	}
	if _, ok := engine.volumes[SessionVolume(testTenant)]; !ok {
		t.Error("stop must not remove the session volume")
	}
	if watcher.unwatched[testTenant] == 0 {
		t.Error("stop did not detach the bridge watcher")
	}

	status := rec.lastStatus(t)
	if status.State != string(v1.TenantStatePaused) {
		t.Errorf("expected paused status after stop, got %+v", status)
	}
}

func TestManager_PairStartWipesSession(t *testing.T) {
	manager, engine, rec, _ := newTestManager(t)
	ctx := context.Background()

	if err := manager.Provision(ctx, testTenant, provisionRequest()); err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	if err := manager.Start(ctx, testTenant, v1.ActionRequest{}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := manager.PairStart(ctx, testTenant, v1.PairStartRequest{Baseline: 42}); err != nil {
		t.Fatalf("pair start failed: %v", err)
	}

	if len(engine.oneShots) != 1 {
		t.Fatalf("expected one session wipe, got %v", engine.oneShots)
	}
	wipe := engine.oneShots[0]
	if !strings.HasPrefix(wipe, "busybox:stable ") || !strings.Contains(wipe, "find /session -mindepth 1 -delete") {
		t.Errorf("unexpected wipe command: %q", wipe)
	}

	info, _ := engine.InspectContainer(ctx, ContainerName(testTenant))
	if info == nil || !info.Running() {
		t.Error("runtime should be back up after pair start")
	}

	desired, _ := manager.Layout().ReadDesired(testTenant)
	if desired.State != string(v1.TenantStatePendingPairing) {
		t.Errorf("expected pending_pairing desired state, got %q", desired.State)
	}
	if desired.Baseline != 42 {
		t.Errorf("expected baseline 42 in desired state, got %d", desired.Baseline)
	}

	status := rec.lastStatus(t)
	if status.State != string(v1.TenantStatePendingPairing) || status.Baseline != 42 {
		t.Errorf("expected pending_pairing status with baseline 42, got %+v", status)
	}
}

func TestManager_DisconnectResetsBaseline(t *testing.T) {
	manager, engine, _, _ := newTestManager(t)
	ctx := context.Background()

	if err := manager.Provision(ctx, testTenant, provisionRequest()); err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	if err := manager.PairStart(ctx, testTenant, v1.PairStartRequest{Baseline: 7}); err != nil {
		t.Fatalf("pair start failed: %v", err)
	}
	if err := manager.Disconnect(ctx, testTenant); err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}

	if len(engine.oneShots) != 2 {
		t.Fatalf("expected a wipe per pairing cycle, got %v", engine.oneShots)
	}
	desired, _ := manager.Layout().ReadDesired(testTenant)
	if desired.State != string(v1.TenantStatePendingPairing) || desired.Baseline != 0 {
		t.Errorf("expected pending_pairing with zero baseline, got %+v", desired)
	}
}

func TestManager_ApplyConfigRecreatesRunningContainer(t *testing.T) {
	manager, engine, rec, _ := newTestManager(t)
	ctx := context.Background()

	if err := manager.Provision(ctx, testTenant, provisionRequest()); err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	if err := manager.Start(ctx, testTenant, v1.ActionRequest{}); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	req := v1.ApplyConfigRequest{
		Revision: 2,
		Env: map[string]string{
			"NEXUS_OPENROUTER_API_KEY": "sk-or-test",
			"NEXUS_TIMEZONE":           "Europe/Berlin",
		},
	}
	if err := manager.ApplyConfig(ctx, testTenant, req); err != nil {
		t.Fatalf("apply config failed: %v", err)
	}

	// Env only lands on a fresh container, so the runtime was recreated
	if n := engine.callCount("create "); n != 2 {
		t.Errorf("expected container recreate on config change, create count %d", n)
	}
	info, _ := engine.InspectContainer(ctx, ContainerName(testTenant))
	if info == nil || !info.Running() {
		t.Error("runtime should be running after config apply")
	}

	env, err := manager.Layout().ReadEnvFile(testTenant)
	if err != nil {
		t.Fatalf("failed to read env file: %v", err)
	}
	if env["NEXUS_TIMEZONE"] != "Europe/Berlin" {
		t.Errorf("new env key missing from materialized env: %v", env)
	}

	desired, _ := manager.Layout().ReadDesired(testTenant)
	if desired.Revision != 2 {
		t.Errorf("expected revision 2, got %d", desired.Revision)
	}

	status := rec.lastStatus(t)
	if !strings.Contains(status.Detail, "revision 2") {
		t.Errorf("expected revision in status detail, got %+v", status)
	}
}

func TestManager_ApplyConfigWhilePausedDoesNotStart(t *testing.T) {
	manager, engine, _, _ := newTestManager(t)
	ctx := context.Background()

	if err := manager.Provision(ctx, testTenant, provisionRequest()); err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	if err := manager.ApplyConfig(ctx, testTenant, v1.ApplyConfigRequest{
		Revision: 2,
		Env:      map[string]string{"NEXUS_OPENROUTER_API_KEY": "sk-or-test"},
	}); err != nil {
		t.Fatalf("apply config failed: %v", err)
	}

	if n := engine.callCount("create "); n != 0 {
		t.Errorf("config apply on a paused tenant must not create a container, got %d", n)
	}
	desired, _ := manager.Layout().ReadDesired(testTenant)
	if desired.State != string(v1.TenantStatePaused) {
		t.Errorf("paused tenant changed state on config apply: %q", desired.State)
	}
}

func TestManager_StartRecreatesOnImageChange(t *testing.T) {
	manager, engine, _, _ := newTestManager(t)
	ctx := context.Background()

	if err := manager.Provision(ctx, testTenant, provisionRequest()); err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	if err := manager.Start(ctx, testTenant, v1.ActionRequest{}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := manager.Start(ctx, testTenant, v1.ActionRequest{NexusImage: "nexus/runtime:v2"}); err != nil {
		t.Fatalf("start with new image failed: %v", err)
	}

	info, _ := engine.InspectContainer(ctx, ContainerName(testTenant))
	if info == nil || info.Image != "nexus/runtime:v2" {
		t.Fatalf("expected container on new image, got %+v", info)
	}
	if n := engine.callCount("create "); n != 2 {
		t.Errorf("expected recreate for the image change, create count %d", n)
	}

	desired, _ := manager.Layout().ReadDesired(testTenant)
	if desired.Image != "nexus/runtime:v2" {
		t.Errorf("desired image not updated: %q", desired.Image)
	}
}

func TestManager_DeleteRemovesEverything(t *testing.T) {
	manager, engine, rec, _ := newTestManager(t)
	ctx := context.Background()

	if err := manager.Provision(ctx, testTenant, provisionRequest()); err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	if err := manager.Start(ctx, testTenant, v1.ActionRequest{}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := manager.Delete(ctx, testTenant); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	info, _ := engine.InspectContainer(ctx, ContainerName(testTenant))
	if info != nil {
		t.Error("container survived delete")
	}
	if _, ok := engine.volumes[SessionVolume(testTenant)]; ok {
		t.Error("session volume survived delete")
	}
	if _, ok := engine.volumes[StateVolume(testTenant)]; ok {
		t.Error("state volume survived delete")
	}
	if manager.Layout().Exists(testTenant) {
		t.Error("tenant directory survived delete")
	}

	status := rec.lastStatus(t)
	if status.State != string(v1.TenantStateDeleted) {
		t.Errorf("expected deleted status, got %+v", status)
	}
}

func TestManager_HealthReflectsEngineState(t *testing.T) {
	manager, _, _, _ := newTestManager(t)
	ctx := context.Background()

	resp, err := manager.Health(ctx, testTenant)
	if err != nil {
		t.Fatalf("health failed: %v", err)
	}
	if resp.Exists || resp.State != string(v1.TenantStateDeleted) {
		t.Errorf("unknown tenant should report deleted, got %+v", resp)
	}

	if err := manager.Provision(ctx, testTenant, provisionRequest()); err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	resp, err = manager.Health(ctx, testTenant)
	if err != nil {
		t.Fatalf("health failed: %v", err)
	}
	if !resp.Exists || resp.State != string(v1.TenantStatePaused) {
		t.Errorf("provisioned tenant should report paused, got %+v", resp)
	}

	if err := manager.Start(ctx, testTenant, v1.ActionRequest{}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	resp, err = manager.Health(ctx, testTenant)
	if err != nil {
		t.Fatalf("health failed: %v", err)
	}
	if resp.State != string(v1.TenantStateRunning) || resp.StartedAt == nil {
		t.Errorf("running tenant should report running with start time, got %+v", resp)
	}
}
