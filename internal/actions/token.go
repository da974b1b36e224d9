// Package actions mints and verifies the short-lived signed tokens that
// authorize operations on the worker surface.
package actions

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/nexushq/nexus/internal/common/config"
)

// Audience restricts action tokens to the worker surface.
const Audience = "nexus-worker"

// MaxTokenTTL caps token lifetime. Tokens are minted per dispatch; a longer
// window only widens the replay surface.
const MaxTokenTTL = 60 * time.Second

// Actions dispatched to the worker.
const (
	ActionProvision   = "provision"
	ActionStart       = "start"
	ActionStop        = "stop"
	ActionRestart     = "restart"
	ActionPairStart   = "pair_start"
	ActionApplyConfig = "apply_config"
	ActionDisconnect  = "whatsapp_disconnect"
	ActionHealth      = "health"
	ActionDelete      = "delete"
)

var validActions = map[string]bool{
	ActionProvision:   true,
	ActionStart:       true,
	ActionStop:        true,
	ActionRestart:     true,
	ActionPairStart:   true,
	ActionApplyConfig: true,
	ActionDisconnect:  true,
	ActionHealth:      true,
	ActionDelete:      true,
}

// ValidAction reports whether name is a dispatchable action.
func ValidAction(name string) bool {
	return validActions[name]
}

var (
	// ErrTenantScope means the token was minted for a different tenant.
	ErrTenantScope = errors.New("token tenant does not match request")
	// ErrActionScope means the token was minted for a different action.
	ErrActionScope = errors.New("token action does not match request")
)

// Claims carried by an action token. One token authorizes one action on one
// tenant; replay within the validity window is accepted, which is why the
// window is short.
type Claims struct {
	TenantID string `json:"tenant_id"`
	Action   string `json:"action"`
	jwt.RegisteredClaims
}

// Authorize checks the token scope against the request being made.
func (c *Claims) Authorize(tenantID, action string) error {
	if c.TenantID != tenantID {
		return ErrTenantScope
	}
	if c.Action != action {
		return ErrActionScope
	}
	return nil
}

// Signer mints action tokens on the control plane.
type Signer struct {
	key []byte
	ttl time.Duration
}

// NewSigner builds a signer from control config. The TTL is clamped to
// MaxTokenTTL.
func NewSigner(cfg config.ActionsConfig) (*Signer, error) {
	if len(cfg.SigningKey) < config.MinKeyLength {
		return nil, fmt.Errorf("action signing key must be at least %d bytes", config.MinKeyLength)
	}
	ttl := time.Duration(cfg.TokenTTL) * time.Second
	if ttl <= 0 || ttl > MaxTokenTTL {
		ttl = MaxTokenTTL
	}
	return &Signer{key: []byte(cfg.SigningKey), ttl: ttl}, nil
}

// Mint issues a token authorizing a single action on a single tenant.
func (s *Signer) Mint(tenantID, action string) (string, error) {
	if !ValidAction(action) {
		return "", fmt.Errorf("unknown action %q", action)
	}
	now := time.Now().UTC()
	claims := &Claims{
		TenantID: tenantID,
		Action:   action,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "tenant:" + tenantID,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign action token: %w", err)
	}
	return signed, nil
}

// Verifier checks action tokens on the worker. It accepts the current key
// and, during rotation, the previous one.
type Verifier struct {
	keySet jwt.VerificationKeySet
}

// NewVerifier builds a verifier from worker config.
func NewVerifier(cfg config.VerifyConfig) (*Verifier, error) {
	if len(cfg.VerifyKey) < config.MinKeyLength {
		return nil, fmt.Errorf("action verify key must be at least %d bytes", config.MinKeyLength)
	}
	keys := []jwt.VerificationKey{[]byte(cfg.VerifyKey)}
	if cfg.VerifyKeyPrevious != "" {
		if len(cfg.VerifyKeyPrevious) < config.MinKeyLength {
			return nil, fmt.Errorf("previous verify key must be at least %d bytes", config.MinKeyLength)
		}
		keys = append(keys, []byte(cfg.VerifyKeyPrevious))
	}
	return &Verifier{keySet: jwt.VerificationKeySet{Keys: keys}}, nil
}

// Verify checks signature, audience and validity window and returns the
// claims. Scope checks against the concrete request are the caller's job via
// Claims.Authorize.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (interface{}, error) { return v.keySet, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid action token: %w", err)
	}
	if claims.TenantID == "" || !ValidAction(claims.Action) {
		return nil, fmt.Errorf("invalid action token: incomplete claims")
	}
	return claims, nil
}
