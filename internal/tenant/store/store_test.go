package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nexushq/nexus/internal/common/logger"
	"github.com/nexushq/nexus/internal/db"
	"github.com/nexushq/nexus/internal/tenant/models"
)

func createTestStore(t *testing.T) *Store {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	pool, cleanup, err := db.Open(filepath.Join(t.TempDir(), "test.db"), 0, 0, log)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { _ = cleanup() })

	s, err := New(pool)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return s
}

func createTenant(t *testing.T, s *Store, id, owner string) *models.Tenant {
	t.Helper()
	tenant := &models.Tenant{
		ID:           id,
		OwnerUserID:  owner,
		DesiredState: "provisioning",
		ActualState:  "provisioning",
	}
	if err := s.CreateTenant(context.Background(), tenant); err != nil {
		t.Fatalf("failed to create tenant: %v", err)
	}
	return tenant
}

func TestStore_CreateAndGetTenant(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTenant(t, s, "aaaa111122223333", "user-1")

	got, err := s.GetTenant(ctx, "aaaa111122223333")
	if err != nil {
		t.Fatalf("failed to get tenant: %v", err)
	}
	if got.OwnerUserID != "user-1" {
		t.Errorf("expected owner user-1, got %s", got.OwnerUserID)
	}
	if got.DesiredState != "provisioning" || got.ActualState != "provisioning" {
		t.Errorf("unexpected states: %s / %s", got.DesiredState, got.ActualState)
	}
	if got.LastHeartbeat != nil || got.LastError != nil {
		t.Error("expected heartbeat and error to start unset")
	}

	byOwner, err := s.GetTenantByOwner(ctx, "user-1")
	if err != nil {
		t.Fatalf("failed to get tenant by owner: %v", err)
	}
	if byOwner.ID != "aaaa111122223333" {
		t.Errorf("expected tenant id aaaa111122223333, got %s", byOwner.ID)
	}
}

func TestStore_OneTenantPerOwner(t *testing.T) {
	s := createTestStore(t)
	createTenant(t, s, "aaaa111122223333", "user-1")

	err := s.CreateTenant(context.Background(), &models.Tenant{
		ID: "bbbb111122223333", OwnerUserID: "user-1",
		DesiredState: "provisioning", ActualState: "provisioning",
	})
	if !errors.Is(err, ErrTenantExists) {
		t.Fatalf("expected ErrTenantExists, got %v", err)
	}
}

func TestStore_TenantNotFound(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if _, err := s.GetTenant(ctx, "missing"); !errors.Is(err, ErrTenantNotFound) {
		t.Fatalf("expected ErrTenantNotFound, got %v", err)
	}
	if _, err := s.GetTenantByOwner(ctx, "nobody"); !errors.Is(err, ErrTenantNotFound) {
		t.Fatalf("expected ErrTenantNotFound by owner, got %v", err)
	}
	if err := s.UpdateDesiredState(ctx, "missing", "running"); !errors.Is(err, ErrTenantNotFound) {
		t.Fatalf("expected ErrTenantNotFound on update, got %v", err)
	}
}

func TestStore_StateUpdates(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTenant(t, s, "aaaa111122223333", "user-1")

	if err := s.UpdateDesiredState(ctx, "aaaa111122223333", "running"); err != nil {
		t.Fatalf("failed to update desired state: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	msg := "engine exploded"
	if err := s.UpdateActualState(ctx, "aaaa111122223333", "error", now, &msg); err != nil {
		t.Fatalf("failed to update actual state: %v", err)
	}

	got, err := s.GetTenant(ctx, "aaaa111122223333")
	if err != nil {
		t.Fatal(err)
	}
	if got.DesiredState != "running" || got.ActualState != "error" {
		t.Errorf("unexpected states: %s / %s", got.DesiredState, got.ActualState)
	}
	if got.LastHeartbeat == nil || !got.LastHeartbeat.Equal(now) {
		t.Errorf("expected heartbeat %v, got %v", now, got.LastHeartbeat)
	}
	if got.LastError == nil || *got.LastError != "engine exploded" {
		t.Errorf("expected last error to be recorded, got %v", got.LastError)
	}

	// A healthy observation clears the error.
	if err := s.UpdateActualState(ctx, "aaaa111122223333", "running", time.Now().UTC(), nil); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetTenant(ctx, "aaaa111122223333")
	if got.LastError != nil {
		t.Errorf("expected last error cleared, got %v", *got.LastError)
	}
}

func TestStore_ImageBootstrapAndDelete(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTenant(t, s, "aaaa111122223333", "user-1")

	if err := s.SetImage(ctx, "aaaa111122223333", "registry/nexus:v2"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetBootstrapVersion(ctx, "aaaa111122223333", 3); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkDeleted(ctx, "aaaa111122223333"); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetTenant(ctx, "aaaa111122223333")
	if err != nil {
		t.Fatal(err)
	}
	if got.Image != "registry/nexus:v2" {
		t.Errorf("expected image to persist, got %s", got.Image)
	}
	if got.BootstrapVersion != 3 {
		t.Errorf("expected bootstrap version 3, got %d", got.BootstrapVersion)
	}
	if got.DesiredState != "deleted" || got.ActualState != "deleted" {
		t.Errorf("expected terminal deleted states, got %s / %s", got.DesiredState, got.ActualState)
	}
}

func TestStore_ConfigRevisions(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTenant(t, s, "aaaa111122223333", "user-1")

	if _, err := s.ActiveConfig(ctx, "aaaa111122223333"); !errors.Is(err, ErrConfigNotFound) {
		t.Fatalf("expected ErrConfigNotFound before first revision, got %v", err)
	}

	first, err := s.InsertConfigRevision(ctx, "aaaa111122223333", `{"A":"1"}`)
	if err != nil {
		t.Fatalf("failed to insert first revision: %v", err)
	}
	if first.Revision != 1 {
		t.Errorf("expected revision 1, got %d", first.Revision)
	}

	second, err := s.InsertConfigRevision(ctx, "aaaa111122223333", `{"A":"2"}`)
	if err != nil {
		t.Fatalf("failed to insert second revision: %v", err)
	}
	if second.Revision != 2 {
		t.Errorf("expected revision 2, got %d", second.Revision)
	}

	active, err := s.ActiveConfig(ctx, "aaaa111122223333")
	if err != nil {
		t.Fatalf("failed to get active config: %v", err)
	}
	if active.Revision != 2 || active.EnvJSON != `{"A":"2"}` {
		t.Errorf("expected revision 2 active, got %d %s", active.Revision, active.EnvJSON)
	}

	// Exactly one is active.
	var count int
	err = s.ro.QueryRowContext(ctx, s.ro.Rebind(
		`SELECT COUNT(*) FROM config_revisions WHERE tenant_id = ? AND active = 1`,
	), "aaaa111122223333").Scan(&count)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("expected exactly one active revision, got %d", count)
	}
}

func TestStore_ConfigRevisionsPerTenant(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTenant(t, s, "aaaa111122223333", "user-1")
	createTenant(t, s, "bbbb111122223333", "user-2")

	if _, err := s.InsertConfigRevision(ctx, "aaaa111122223333", `{"A":"1"}`); err != nil {
		t.Fatal(err)
	}
	rev, err := s.InsertConfigRevision(ctx, "bbbb111122223333", `{"B":"1"}`)
	if err != nil {
		t.Fatal(err)
	}
	if rev.Revision != 1 {
		t.Errorf("expected revision numbering to be per-tenant, got %d", rev.Revision)
	}
}

func TestStore_Artifacts(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTenant(t, s, "aaaa111122223333", "user-1")

	if _, err := s.ActiveArtifact(ctx, "aaaa111122223333", models.ArtifactPrompt, "greeting"); !errors.Is(err, ErrArtifactNotFound) {
		t.Fatalf("expected ErrArtifactNotFound, got %v", err)
	}

	first, err := s.PutArtifact(ctx, "aaaa111122223333", models.ArtifactPrompt, "greeting", "hello v1")
	if err != nil {
		t.Fatalf("failed to put artifact: %v", err)
	}
	if first.Revision != 1 {
		t.Errorf("expected revision 1, got %d", first.Revision)
	}

	second, err := s.PutArtifact(ctx, "aaaa111122223333", models.ArtifactPrompt, "greeting", "hello v2")
	if err != nil {
		t.Fatal(err)
	}
	if second.Revision != 2 {
		t.Errorf("expected revision 2, got %d", second.Revision)
	}

	// Another name gets its own revision counter.
	other, err := s.PutArtifact(ctx, "aaaa111122223333", models.ArtifactPrompt, "closing", "bye v1")
	if err != nil {
		t.Fatal(err)
	}
	if other.Revision != 1 {
		t.Errorf("expected per-name revisions, got %d", other.Revision)
	}

	// Skills are a separate namespace.
	if _, err := s.PutArtifact(ctx, "aaaa111122223333", models.ArtifactSkill, "greeting", "skill v1"); err != nil {
		t.Fatal(err)
	}

	prompts, err := s.ActiveArtifacts(ctx, "aaaa111122223333", models.ArtifactPrompt)
	if err != nil {
		t.Fatal(err)
	}
	if len(prompts) != 2 {
		t.Fatalf("expected 2 active prompts, got %d", len(prompts))
	}
	if prompts[0].Name != "closing" || prompts[1].Name != "greeting" {
		t.Errorf("expected name ordering, got %s, %s", prompts[0].Name, prompts[1].Name)
	}
	if prompts[1].Content != "hello v2" {
		t.Errorf("expected active content hello v2, got %s", prompts[1].Content)
	}

	active, err := s.ActiveArtifact(ctx, "aaaa111122223333", models.ArtifactPrompt, "greeting")
	if err != nil {
		t.Fatal(err)
	}
	if active.Revision != 2 || active.Content != "hello v2" {
		t.Errorf("expected active revision 2, got %d %s", active.Revision, active.Content)
	}
}

func TestStore_Audit(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTenant(t, s, "aaaa111122223333", "user-1")

	for _, action := range []string{"provision", "start", "stop"} {
		err := s.AppendAudit(ctx, &models.AuditEntry{
			UserID:   "user-1",
			TenantID: "aaaa111122223333",
			Action:   action,
		})
		if err != nil {
			t.Fatalf("failed to append audit entry: %v", err)
		}
	}

	entries, err := s.ListAudit(ctx, "aaaa111122223333", 2)
	if err != nil {
		t.Fatalf("failed to list audit entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	for _, e := range entries {
		if e.ID == "" || e.CreatedAt.IsZero() {
			t.Error("expected id and created_at to be stamped")
		}
	}
}
