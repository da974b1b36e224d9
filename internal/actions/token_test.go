package actions

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexushq/nexus/internal/common/config"
)

const (
	signingKey  = "action-signing-key-0123456789abcdef"
	previousKey = "previous-signing-key-0123456789abcd"
)

func newSigner(t *testing.T, ttl int) *Signer {
	t.Helper()
	s, err := NewSigner(config.ActionsConfig{SigningKey: signingKey, TokenTTL: ttl})
	require.NoError(t, err)
	return s
}

func newVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier(config.VerifyConfig{VerifyKey: signingKey})
	require.NoError(t, err)
	return v
}

func TestMintAndVerify(t *testing.T) {
	signer := newSigner(t, 45)
	verifier := newVerifier(t)

	token, err := signer.Mint("t_001", ActionStart)
	require.NoError(t, err)

	claims, err := verifier.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "t_001", claims.TenantID)
	assert.Equal(t, ActionStart, claims.Action)
	assert.Equal(t, "tenant:t_001", claims.Subject)
	assert.NotEmpty(t, claims.ID, "jti must be set")

	require.NoError(t, claims.Authorize("t_001", ActionStart))
}

func TestVerify_WrongKey(t *testing.T) {
	signer := newSigner(t, 45)
	verifier, err := NewVerifier(config.VerifyConfig{VerifyKey: "a-completely-different-key-0123456789"})
	require.NoError(t, err)

	token, err := signer.Mint("t_001", ActionStart)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	require.Error(t, err)
}

func TestVerify_PreviousKeyDuringRotation(t *testing.T) {
	oldSigner, err := NewSigner(config.ActionsConfig{SigningKey: previousKey, TokenTTL: 45})
	require.NoError(t, err)

	verifier, err := NewVerifier(config.VerifyConfig{
		VerifyKey:         signingKey,
		VerifyKeyPrevious: previousKey,
	})
	require.NoError(t, err)

	token, err := oldSigner.Mint("t_001", ActionRestart)
	require.NoError(t, err)

	claims, err := verifier.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, ActionRestart, claims.Action)
}

func TestVerify_Expired(t *testing.T) {
	verifier := newVerifier(t)

	// Mint a token that expired beyond the verifier's leeway
	now := time.Now().UTC().Add(-2 * time.Minute)
	claims := &Claims{
		TenantID: "t_001",
		Action:   ActionStart,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "tenant:t_001",
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(45 * time.Second)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(signingKey))
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	require.Error(t, err)
}

func TestVerify_WrongAudience(t *testing.T) {
	verifier := newVerifier(t)

	now := time.Now().UTC()
	claims := &Claims{
		TenantID: "t_001",
		Action:   ActionStart,
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{"someone-else"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(45 * time.Second)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(signingKey))
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	require.Error(t, err)
}

func TestVerify_MissingExpiry(t *testing.T) {
	verifier := newVerifier(t)

	claims := &Claims{
		TenantID: "t_001",
		Action:   ActionStart,
		RegisteredClaims: jwt.RegisteredClaims{
			Audience: jwt.ClaimStrings{Audience},
			IssuedAt: jwt.NewNumericDate(time.Now().UTC()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(signingKey))
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	require.Error(t, err, "tokens without exp must be rejected")
}

func TestClaims_Authorize(t *testing.T) {
	signer := newSigner(t, 45)
	verifier := newVerifier(t)

	token, err := signer.Mint("t_001", ActionStop)
	require.NoError(t, err)
	claims, err := verifier.Verify(token)
	require.NoError(t, err)

	assert.ErrorIs(t, claims.Authorize("t_002", ActionStop), ErrTenantScope)
	assert.ErrorIs(t, claims.Authorize("t_001", ActionStart), ErrActionScope)
	assert.NoError(t, claims.Authorize("t_001", ActionStop))
}

func TestMint_UnknownAction(t *testing.T) {
	signer := newSigner(t, 45)
	_, err := signer.Mint("t_001", "reboot")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unknown action"))
}

func TestNewSigner_TTLClamped(t *testing.T) {
	signer := newSigner(t, 600) // over the cap
	verifier := newVerifier(t)

	token, err := signer.Mint("t_001", ActionHealth)
	require.NoError(t, err)
	claims, err := verifier.Verify(token)
	require.NoError(t, err)

	lifetime := claims.ExpiresAt.Sub(claims.IssuedAt.Time)
	assert.LessOrEqual(t, lifetime, MaxTokenTTL)
}

func TestNewSigner_ShortKey(t *testing.T) {
	_, err := NewSigner(config.ActionsConfig{SigningKey: "short", TokenTTL: 45})
	require.Error(t, err)
}

func TestValidAction(t *testing.T) {
	for _, a := range []string{
		ActionProvision, ActionStart, ActionStop, ActionRestart,
		ActionPairStart, ActionApplyConfig, ActionDisconnect, ActionHealth, ActionDelete,
	} {
		assert.True(t, ValidAction(a), a)
	}
	assert.False(t, ValidAction("reboot"))
	assert.False(t, ValidAction(""))
}
