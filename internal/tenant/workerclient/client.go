// Package workerclient is the control plane's HTTP client for the worker
// service. Every request carries a freshly minted action token scoped to one
// tenant and one action, so a captured token cannot be replayed elsewhere.
package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/nexushq/nexus/internal/actions"
	"github.com/nexushq/nexus/internal/common/config"
	"github.com/nexushq/nexus/internal/common/logger"
	v1 "github.com/nexushq/nexus/pkg/api/v1"
)

// ErrUnavailable marks transport-level failures: the worker could not be
// reached at all. Callers map it to 503 and keep the stored intent.
var ErrUnavailable = errors.New("worker unreachable")

// APIError is a non-2xx response from the worker with its error envelope
// decoded. The code passes through to control API clients unchanged.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("worker returned %d %s: %s", e.Status, e.Code, e.Message)
}

// Client talks to the worker's /internal surface.
type Client struct {
	baseURL    string
	httpClient *http.Client
	signer     *actions.Signer
	logger     *logger.Logger
}

// New builds a worker client from the endpoint config.
func New(cfg config.WorkerEndpoint, signer *actions.Signer, log *logger.Logger) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeoutDuration(),
		},
		signer: signer,
		logger: log.WithFields(zap.String("component", "worker-client")),
	}
}

// Provision materializes the tenant's topology on the worker.
func (c *Client) Provision(ctx context.Context, tenantID string, req v1.ProvisionRequest) (*v1.WorkerActionResponse, error) {
	var out v1.WorkerActionResponse
	if err := c.post(ctx, tenantID, actions.ActionProvision, "/provision", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Start brings the tenant runtime up.
func (c *Client) Start(ctx context.Context, tenantID string, req v1.ActionRequest) (*v1.WorkerActionResponse, error) {
	var out v1.WorkerActionResponse
	if err := c.post(ctx, tenantID, actions.ActionStart, "/start", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stop pauses the tenant runtime, preserving its volumes.
func (c *Client) Stop(ctx context.Context, tenantID string) (*v1.WorkerActionResponse, error) {
	var out v1.WorkerActionResponse
	if err := c.post(ctx, tenantID, actions.ActionStop, "/stop", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Restart stops and starts the tenant runtime.
func (c *Client) Restart(ctx context.Context, tenantID string, req v1.ActionRequest) (*v1.WorkerActionResponse, error) {
	var out v1.WorkerActionResponse
	if err := c.post(ctx, tenantID, actions.ActionRestart, "/restart", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PairStart begins WhatsApp pairing with a fresh bridge session.
func (c *Client) PairStart(ctx context.Context, tenantID string, req v1.PairStartRequest) (*v1.WorkerActionResponse, error) {
	var out v1.WorkerActionResponse
	if err := c.post(ctx, tenantID, actions.ActionPairStart, "/pair/start", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ApplyConfig pushes the active env and artifact set to the tenant runtime.
func (c *Client) ApplyConfig(ctx context.Context, tenantID string, req v1.ApplyConfigRequest) (*v1.WorkerActionResponse, error) {
	var out v1.WorkerActionResponse
	if err := c.post(ctx, tenantID, actions.ActionApplyConfig, "/apply-config", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WhatsAppDisconnect drops the bridge session so the tenant can re-pair.
func (c *Client) WhatsAppDisconnect(ctx context.Context, tenantID string) (*v1.WorkerActionResponse, error) {
	var out v1.WorkerActionResponse
	if err := c.post(ctx, tenantID, actions.ActionDisconnect, "/whatsapp/disconnect", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Delete tears down the tenant's containers, network and volumes.
func (c *Client) Delete(ctx context.Context, tenantID string) (*v1.WorkerActionResponse, error) {
	var out v1.WorkerActionResponse
	if err := c.post(ctx, tenantID, actions.ActionDelete, "/delete", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health probes one tenant's runtime state.
func (c *Client) Health(ctx context.Context, tenantID string) (*v1.TenantHealthResponse, error) {
	var out v1.TenantHealthResponse
	if err := c.do(ctx, http.MethodGet, tenantID, actions.ActionHealth, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, tenantID, action, suffix string, body, out any) error {
	return c.do(ctx, http.MethodPost, tenantID, action, suffix, body, out)
}

func (c *Client) do(ctx context.Context, method, tenantID, action, suffix string, body, out any) error {
	token, err := c.signer.Mint(tenantID, action)
	if err != nil {
		return fmt.Errorf("mint %s token: %w", action, err)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", action, err)
		}
		reader = bytes.NewReader(data)
	}

	url := c.baseURL + "/internal/tenants/" + tenantID + suffix
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("Worker request failed",
			zap.String("tenant_id", tenantID),
			zap.String("action", action),
			zap.Error(err))
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, action, tenantID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", action, err)
	}
	return nil
}

// decodeAPIError reads the worker's error envelope. A body that is not the
// standard envelope still produces a usable APIError with the raw text.
func decodeAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))

	var envelope struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error != "" {
		return &APIError{Status: resp.StatusCode, Code: envelope.Error, Message: envelope.Message}
	}
	msg := string(data)
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return &APIError{Status: resp.StatusCode, Code: "worker_error", Message: msg}
}
