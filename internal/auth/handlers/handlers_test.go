package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/nexushq/nexus/internal/auth/service"
	"github.com/nexushq/nexus/internal/auth/store"
	"github.com/nexushq/nexus/internal/common/config"
	"github.com/nexushq/nexus/internal/common/logger"
	"github.com/nexushq/nexus/internal/db"
	v1 "github.com/nexushq/nexus/pkg/api/v1"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *service.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	pool, cleanup, err := db.Open(filepath.Join(t.TempDir(), "test.db"), 0, 0, log)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { _ = cleanup() })

	st, err := store.New(pool)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	svc, err := service.New(st, config.AuthConfig{
		SessionKey:      "0123456789abcdef0123456789abcdef",
		AccessTokenTTL:  3600,
		RefreshTokenTTL: 3600 * 24,
		LoginWindow:     300,
		LoginMaxTries:   5,
	}, log)
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	router := gin.New()
	RegisterRoutes(router, svc, log)
	return router, svc
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal error envelope: %v: %s", err, w.Body.String())
	}
	return resp.Error
}

func signup(t *testing.T, router *gin.Engine, email, password string) v1.AuthResponse {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "/v1/auth/signup", v1.SignupRequest{Email: email, Password: password}, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp v1.AuthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal signup response: %v", err)
	}
	return resp
}

func TestHandlers_Signup(t *testing.T) {
	router, _ := setupTestRouter(t)

	resp := signup(t, router, "alice@example.com", "p4ssword-ok")
	if resp.User.Email != "alice@example.com" {
		t.Errorf("expected email alice@example.com, got %s", resp.User.Email)
	}
	if resp.User.ID == "" {
		t.Error("expected a user id")
	}
	if resp.Tokens.AccessToken == "" || resp.Tokens.RefreshToken == "" {
		t.Error("expected a full token pair")
	}
	if resp.Tokens.TokenType != "bearer" {
		t.Errorf("expected token_type bearer, got %s", resp.Tokens.TokenType)
	}
}

func TestHandlers_SignupDuplicate(t *testing.T) {
	router, _ := setupTestRouter(t)

	signup(t, router, "alice@example.com", "p4ssword-ok")
	w := doJSON(t, router, http.MethodPost, "/v1/auth/signup", v1.SignupRequest{Email: "alice@example.com", Password: "p4ssword-ok"}, "")
	if w.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d: %s", w.Code, w.Body.String())
	}
	if code := errorCode(t, w); code != "duplicate_email" {
		t.Errorf("expected error duplicate_email, got %s", code)
	}
}

func TestHandlers_SignupValidation(t *testing.T) {
	router, _ := setupTestRouter(t)

	cases := []struct {
		name string
		body any
	}{
		{"missing body", nil},
		{"bad email", v1.SignupRequest{Email: "not-an-email", Password: "p4ssword-ok"}},
		{"short password", v1.SignupRequest{Email: "a@example.com", Password: "short"}},
		{"missing password", map[string]string{"email": "a@example.com"}},
	}
	for _, tc := range cases {
		w := doJSON(t, router, http.MethodPost, "/v1/auth/signup", tc.body, "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected status 400, got %d: %s", tc.name, w.Code, w.Body.String())
			continue
		}
		if code := errorCode(t, w); code != "validation_error" {
			t.Errorf("%s: expected error validation_error, got %s", tc.name, code)
		}
	}
}

func TestHandlers_Login(t *testing.T) {
	router, _ := setupTestRouter(t)
	signup(t, router, "alice@example.com", "p4ssword-ok")

	w := doJSON(t, router, http.MethodPost, "/v1/auth/login", v1.LoginRequest{Email: "alice@example.com", Password: "p4ssword-ok"}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp v1.AuthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal login response: %v", err)
	}
	if resp.Tokens.AccessToken == "" {
		t.Error("expected an access token")
	}

	w = doJSON(t, router, http.MethodPost, "/v1/auth/login", v1.LoginRequest{Email: "alice@example.com", Password: "wrong-password"}, "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d: %s", w.Code, w.Body.String())
	}
	if code := errorCode(t, w); code != "invalid_credentials" {
		t.Errorf("expected error invalid_credentials, got %s", code)
	}
}

func TestHandlers_Refresh(t *testing.T) {
	router, _ := setupTestRouter(t)
	resp := signup(t, router, "alice@example.com", "p4ssword-ok")

	w := doJSON(t, router, http.MethodPost, "/v1/auth/refresh", v1.RefreshRequest{RefreshToken: resp.Tokens.RefreshToken}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var rotated v1.TokensResponse
	if err := json.Unmarshal(w.Body.Bytes(), &rotated); err != nil {
		t.Fatalf("failed to unmarshal refresh response: %v", err)
	}
	if rotated.Tokens.RefreshToken == resp.Tokens.RefreshToken {
		t.Error("expected the refresh token to rotate")
	}

	// The consumed token no longer works.
	w = doJSON(t, router, http.MethodPost, "/v1/auth/refresh", v1.RefreshRequest{RefreshToken: resp.Tokens.RefreshToken}, "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d: %s", w.Code, w.Body.String())
	}
	if code := errorCode(t, w); code != "invalid_token" {
		t.Errorf("expected error invalid_token, got %s", code)
	}
}

func TestHandlers_Me(t *testing.T) {
	router, _ := setupTestRouter(t)
	resp := signup(t, router, "alice@example.com", "p4ssword-ok")

	w := doJSON(t, router, http.MethodGet, "/v1/auth/me", nil, resp.Tokens.AccessToken)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var user v1.User
	if err := json.Unmarshal(w.Body.Bytes(), &user); err != nil {
		t.Fatalf("failed to unmarshal user: %v", err)
	}
	if user.ID != resp.User.ID {
		t.Errorf("expected user id %s, got %s", resp.User.ID, user.ID)
	}
}

func TestHandlers_MeUnauthorized(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doJSON(t, router, http.MethodGet, "/v1/auth/me", nil, "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", w.Code)
	}
	if code := errorCode(t, w); code != "missing_bearer_token" {
		t.Errorf("expected error missing_bearer_token, got %s", code)
	}

	w = doJSON(t, router, http.MethodGet, "/v1/auth/me", nil, "not-a-jwt")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", w.Code)
	}
	if code := errorCode(t, w); code != "invalid_token" {
		t.Errorf("expected error invalid_token, got %s", code)
	}
}
