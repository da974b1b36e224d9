package workerclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nexushq/nexus/internal/actions"
	"github.com/nexushq/nexus/internal/common/config"
	"github.com/nexushq/nexus/internal/common/logger"
	v1 "github.com/nexushq/nexus/pkg/api/v1"
)

const testSigningKey = "worker-client-signing-key-0123456789"

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	signer, err := actions.NewSigner(config.ActionsConfig{SigningKey: testSigningKey, TokenTTL: 45})
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	c := New(config.WorkerEndpoint{BaseURL: srv.URL, RequestTimeout: 5}, signer, log)
	return c, srv
}

func testVerifier(t *testing.T) *actions.Verifier {
	t.Helper()
	v, err := actions.NewVerifier(config.VerifyConfig{VerifyKey: testSigningKey})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	return v
}

func TestClient_StartSendsScopedToken(t *testing.T) {
	verifier := testVerifier(t)

	var gotPath, gotAction, gotTenant, gotImage string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path

		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		claims, err := verifier.Verify(raw)
		if err != nil {
			t.Errorf("token did not verify: %v", err)
			w.WriteHeader(http.StatusForbidden)
			return
		}
		gotAction = claims.Action
		gotTenant = claims.TenantID

		var body v1.ActionRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		gotImage = body.NexusImage

		json.NewEncoder(w).Encode(v1.WorkerActionResponse{
			TenantID: claims.TenantID,
			Action:   claims.Action,
			State:    "running",
		})
	}))

	resp, err := c.Start(context.Background(), "aaaa111122223333", v1.ActionRequest{NexusImage: "nexus:v2"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if gotPath != "/internal/tenants/aaaa111122223333/start" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAction != actions.ActionStart || gotTenant != "aaaa111122223333" {
		t.Errorf("token scope = %s/%s", gotAction, gotTenant)
	}
	if gotImage != "nexus:v2" {
		t.Errorf("nexus_image = %q", gotImage)
	}
	if resp.State != "running" {
		t.Errorf("state = %q", resp.State)
	}
}

func TestClient_EachCallMintsOwnAction(t *testing.T) {
	verifier := testVerifier(t)

	seen := map[string]string{}
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		claims, err := verifier.Verify(raw)
		if err != nil {
			t.Errorf("token did not verify: %v", err)
			w.WriteHeader(http.StatusForbidden)
			return
		}
		seen[r.URL.Path] = claims.Action
		json.NewEncoder(w).Encode(v1.WorkerActionResponse{TenantID: claims.TenantID, Action: claims.Action})
	}))

	ctx := context.Background()
	tenant := "bbbb111122223333"
	if _, err := c.Stop(ctx, tenant); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := c.WhatsAppDisconnect(ctx, tenant); err != nil {
		t.Fatalf("WhatsAppDisconnect: %v", err)
	}
	if _, err := c.ApplyConfig(ctx, tenant, v1.ApplyConfigRequest{Revision: 3}); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	if _, err := c.Delete(ctx, tenant); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	want := map[string]string{
		"/internal/tenants/" + tenant + "/stop":                actions.ActionStop,
		"/internal/tenants/" + tenant + "/whatsapp/disconnect": actions.ActionDisconnect,
		"/internal/tenants/" + tenant + "/apply-config":        actions.ActionApplyConfig,
		"/internal/tenants/" + tenant + "/delete":              actions.ActionDelete,
	}
	for path, action := range want {
		if seen[path] != action {
			t.Errorf("path %s carried action %q, want %q", path, seen[path], action)
		}
	}
}

func TestClient_HealthDecodes(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s", r.Method)
		}
		json.NewEncoder(w).Encode(v1.TenantHealthResponse{
			TenantID: "cccc111122223333",
			Exists:   true,
			State:    "running",
		})
	}))

	h, err := c.Health(context.Background(), "cccc111122223333")
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if !h.Exists || h.State != "running" {
		t.Errorf("health = %+v", h)
	}
}

func TestClient_WorkerErrorPassesThrough(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{
			"error":   "docker_unavailable",
			"message": "engine ping failed",
		})
	}))

	_, err := c.Stop(context.Background(), "dddd111122223333")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("want APIError, got %v", err)
	}
	if apiErr.Status != http.StatusServiceUnavailable || apiErr.Code != "docker_unavailable" {
		t.Errorf("apiErr = %+v", apiErr)
	}
	if errors.Is(err, ErrUnavailable) {
		t.Error("worker-origin error must not read as transport failure")
	}
}

func TestClient_NonEnvelopeBodyStillErrors(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream exploded"))
	}))

	_, err := c.Stop(context.Background(), "eeee111122223333")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("want APIError, got %v", err)
	}
	if apiErr.Code != "worker_error" || !strings.Contains(apiErr.Message, "upstream exploded") {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestClient_TransportFailureIsUnavailable(t *testing.T) {
	c, srv := newTestClient(t, http.NewServeMux())
	srv.Close()

	_, err := c.Stop(context.Background(), "ffff111122223333")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("want ErrUnavailable, got %v", err)
	}
}
