package manager

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexushq/nexus/internal/common/logger"
	"github.com/nexushq/nexus/internal/db"
	"github.com/nexushq/nexus/internal/events"
	"github.com/nexushq/nexus/internal/events/bus"
	"github.com/nexushq/nexus/internal/events/store"
)

type captureSink struct {
	mu     sync.Mutex
	events []*events.Envelope
}

func (c *captureSink) Deliver(e *events.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *captureSink) all() []*events.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*events.Envelope, len(c.events))
	copy(out, c.events)
	return out
}

type captureProjector struct {
	mu   sync.Mutex
	seen []string
	fail bool
}

func (p *captureProjector) ApplyEvent(ctx context.Context, e *events.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, e.Type)
	if p.fail {
		return context.DeadlineExceeded
	}
	return nil
}

type testEnv struct {
	mgr   *Manager
	store *store.Store
	bus   *bus.MemoryEventBus
	sink  *captureSink
	proj  *captureProjector
}

func setupManager(t *testing.T) (*testEnv, func()) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	pool, dbCleanup, err := db.Open(filepath.Join(t.TempDir(), "test.db"), 0, 0, log)
	require.NoError(t, err)

	st, err := store.New(pool)
	require.NoError(t, err)

	memBus := bus.NewMemoryEventBus(log)
	mgr := New(st, memBus, log)

	sink := &captureSink{}
	proj := &captureProjector{}
	mgr.AttachSink(sink)
	mgr.AttachProjector(proj)

	require.NoError(t, mgr.Start(context.Background()))

	env := &testEnv{mgr: mgr, store: st, bus: memBus, sink: sink, proj: proj}
	return env, func() {
		mgr.Stop()
		memBus.Close()
		_ = dbCleanup()
	}
}

func TestManager_AppendAssignsSequentialIDs(t *testing.T) {
	env, cleanup := setupManager(t)
	defer cleanup()
	ctx := context.Background()

	first, err := env.mgr.Append(ctx, "t_001", events.ConfigApplied, json.RawMessage(`{"revision":1}`))
	require.NoError(t, err)
	second, err := env.mgr.Append(ctx, "t_001", events.ConfigApplied, json.RawMessage(`{"revision":2}`))
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.EventID)
	assert.Equal(t, int64(2), second.EventID)

	// Committed before Append returned
	stored, err := env.store.ListAfter(ctx, "t_001", 0, 10, nil)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, int64(1), stored[0].EventID)
	assert.Equal(t, int64(2), stored[1].EventID)
}

func TestManager_BusEventsGetIDs(t *testing.T) {
	env, cleanup := setupManager(t)
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		evt, err := bus.MarshalPayload("t_001", events.RuntimeLog, "worker", map[string]int{"seq": i})
		require.NoError(t, err)
		require.NoError(t, env.bus.Publish(ctx, bus.TenantSubject("t_001"), evt))
	}

	require.Eventually(t, func() bool {
		return len(env.sink.all()) == 5
	}, time.Second, 10*time.Millisecond)

	delivered := env.sink.all()
	for i, e := range delivered {
		assert.Equal(t, int64(i+1), e.EventID, "ids must be gapless and ascending")
		assert.Equal(t, "t_001", e.TenantID)
	}
}

func TestManager_MixedSourcesStayOrdered(t *testing.T) {
	env, cleanup := setupManager(t)
	defer cleanup()
	ctx := context.Background()

	evt, err := bus.MarshalPayload("t_001", events.RuntimeStatus, "worker", map[string]string{"state": "running"})
	require.NoError(t, err)
	require.NoError(t, env.bus.Publish(ctx, bus.TenantSubject("t_001"), evt))

	applied, err := env.mgr.Append(ctx, "t_001", events.ConfigApplied, json.RawMessage(`{"revision":2}`))
	require.NoError(t, err)

	// The direct append was processed after the queued bus event
	assert.Equal(t, int64(2), applied.EventID)

	stored, err := env.store.ListAfter(ctx, "t_001", 0, 10, nil)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, events.RuntimeStatus, stored[0].Type)
	assert.Equal(t, events.ConfigApplied, stored[1].Type)
}

func TestManager_RedactsSensitivePayloads(t *testing.T) {
	env, cleanup := setupManager(t)
	defer cleanup()
	ctx := context.Background()

	payload := json.RawMessage(`{"env":{"NEXUS_OPENROUTER_API_KEY":"sk-live-secret"},"state":"running"}`)
	committed, err := env.mgr.Append(ctx, "t_001", events.RuntimeStatus, payload)
	require.NoError(t, err)

	assert.NotContains(t, string(committed.Payload), "sk-live-secret")
	assert.Contains(t, string(committed.Payload), events.MaskedValue)

	stored, err := env.store.ListAfter(ctx, "t_001", 0, 1, nil)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.NotContains(t, string(stored[0].Payload), "sk-live-secret")

	for _, e := range env.sink.all() {
		assert.NotContains(t, string(e.Payload), "sk-live-secret")
	}
}

func TestManager_ProjectorFailureDoesNotFailAppend(t *testing.T) {
	env, cleanup := setupManager(t)
	defer cleanup()
	ctx := context.Background()

	env.proj.fail = true
	committed, err := env.mgr.Append(ctx, "t_001", events.RuntimeStatus, json.RawMessage(`{"state":"running"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1), committed.EventID)

	// Event still delivered to sinks
	require.Len(t, env.sink.all(), 1)
}

func TestManager_SequenceSurvivesRestart(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	pool, dbCleanup, err := db.Open(filepath.Join(t.TempDir(), "test.db"), 0, 0, log)
	require.NoError(t, err)
	defer func() { _ = dbCleanup() }()

	st, err := store.New(pool)
	require.NoError(t, err)

	ctx := context.Background()

	memBus := bus.NewMemoryEventBus(log)
	first := New(st, memBus, log)
	require.NoError(t, first.Start(ctx))
	committed, err := first.Append(ctx, "t_001", events.RuntimeStatus, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), committed.EventID)
	first.Stop()
	memBus.Close()

	secondBus := bus.NewMemoryEventBus(log)
	defer secondBus.Close()
	second := New(st, secondBus, log)
	require.NoError(t, second.Start(ctx))
	defer second.Stop()

	committed, err = second.Append(ctx, "t_001", events.RuntimeStatus, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), committed.EventID, "sequence must continue after restart")
}

func TestManager_AppendAfterStop(t *testing.T) {
	env, cleanup := setupManager(t)
	cleanup()

	_, err := env.mgr.Append(context.Background(), "t_001", events.RuntimeStatus, nil)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "stopped"))
}

func TestManager_LatestTenantID(t *testing.T) {
	env, cleanup := setupManager(t)
	defer cleanup()
	ctx := context.Background()

	_, err := env.mgr.Append(ctx, "t_001", events.RuntimeStatus, nil)
	require.NoError(t, err)
	_, err = env.mgr.Append(ctx, "t_002", events.RuntimeStatus, nil)
	require.NoError(t, err)

	latest, err := env.mgr.LatestTenantID(ctx, "t_001")
	require.NoError(t, err)
	assert.Equal(t, int64(1), latest)

	latest, err = env.mgr.LatestTenantID(ctx, "t_002")
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest)
}
