package service

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/nexushq/nexus/internal/common/config"
	v1 "github.com/nexushq/nexus/pkg/api/v1"
)

const (
	tokenTypeBearer = "bearer"
	accessTokenKind = "access"
	refreshPrefix   = "ntk_"
	refreshBytes    = 32
)

// ErrInvalidRefresh covers unknown, expired and already-rotated refresh
// tokens.
var ErrInvalidRefresh = errors.New("invalid refresh token")

// AccessClaims is the access token payload.
type AccessClaims struct {
	Kind string `json:"type"`
	jwt.RegisteredClaims
}

type refreshEntry struct {
	userID    string
	expiresAt time.Time
}

// TokenIssuer issues access/refresh pairs. Refresh tokens are opaque and
// rotate on use; only a SHA-256 digest is held, in memory, so a restart
// invalidates outstanding refresh tokens while access tokens age out on
// their own.
type TokenIssuer struct {
	key        []byte
	accessTTL  time.Duration
	refreshTTL time.Duration

	mu      sync.Mutex
	refresh map[string]refreshEntry // hex digest -> entry
}

// NewTokenIssuer builds the issuer from auth config.
func NewTokenIssuer(cfg config.AuthConfig) (*TokenIssuer, error) {
	if len(cfg.SessionKey) < config.MinKeyLength {
		return nil, fmt.Errorf("session key must be at least %d bytes", config.MinKeyLength)
	}
	return &TokenIssuer{
		key:        []byte(cfg.SessionKey),
		accessTTL:  time.Duration(cfg.AccessTokenTTL) * time.Second,
		refreshTTL: time.Duration(cfg.RefreshTokenTTL) * time.Second,
		refresh:    make(map[string]refreshEntry),
	}, nil
}

// AccessTTL exposes the configured access token lifetime.
func (i *TokenIssuer) AccessTTL() time.Duration {
	return i.accessTTL
}

// Issue creates a fresh access/refresh pair for a user.
func (i *TokenIssuer) Issue(userID string) (v1.Tokens, error) {
	access, err := i.mintAccess(userID)
	if err != nil {
		return v1.Tokens{}, err
	}
	refresh, err := i.mintRefresh(userID)
	if err != nil {
		return v1.Tokens{}, err
	}
	return v1.Tokens{
		AccessToken:      access,
		RefreshToken:     refresh,
		TokenType:        tokenTypeBearer,
		ExpiresInSeconds: int(i.accessTTL / time.Second),
	}, nil
}

// Rotate exchanges a refresh token for a new pair. The presented token is
// consumed even if minting the replacement fails, per rotate-on-use.
func (i *TokenIssuer) Rotate(refreshToken string) (v1.Tokens, error) {
	digest := refreshDigest(refreshToken)

	i.mu.Lock()
	entry, ok := i.refresh[digest]
	if ok {
		delete(i.refresh, digest)
	}
	i.mu.Unlock()

	if !ok || time.Now().After(entry.expiresAt) {
		return v1.Tokens{}, ErrInvalidRefresh
	}
	return i.Issue(entry.userID)
}

// VerifyAccess validates an access token and returns the user id.
func (i *TokenIssuer) VerifyAccess(tokenString string) (string, error) {
	claims := &AccessClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (interface{}, error) { return i.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("invalid access token: %w", err)
	}
	if claims.Kind != accessTokenKind || claims.Subject == "" {
		return "", fmt.Errorf("invalid access token: wrong kind")
	}
	return claims.Subject, nil
}

func (i *TokenIssuer) mintAccess(userID string) (string, error) {
	now := time.Now().UTC()
	claims := &AccessClaims{
		Kind: accessTokenKind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.accessTTL)),
			ID:        uuid.New().String(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

func (i *TokenIssuer) mintRefresh(userID string) (string, error) {
	raw := make([]byte, refreshBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	token := refreshPrefix + base64.RawURLEncoding.EncodeToString(raw)

	i.mu.Lock()
	i.purgeExpiredLocked()
	i.refresh[refreshDigest(token)] = refreshEntry{
		userID:    userID,
		expiresAt: time.Now().Add(i.refreshTTL),
	}
	i.mu.Unlock()

	return token, nil
}

// purgeExpiredLocked drops aged-out entries. Called with the mutex held on
// every mint, which keeps the map bounded by active sessions.
func (i *TokenIssuer) purgeExpiredLocked() {
	now := time.Now()
	for digest, entry := range i.refresh {
		if now.After(entry.expiresAt) {
			delete(i.refresh, digest)
		}
	}
}

func refreshDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
