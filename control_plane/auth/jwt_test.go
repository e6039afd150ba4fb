package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestToken_RoundTrip(t *testing.T) {
	token, err := GenerateToken("tenant-a", "operator")
	require.NoError(t, err)

	claims, err := ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, "tenant-a", claims.TenantID)
	require.Equal(t, "operator", claims.Role)
	require.Equal(t, "agentflux", claims.Issuer)
}

func TestToken_TamperedPayloadRejected(t *testing.T) {
	token, err := GenerateToken("tenant-a", "operator")
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	forged := parts[0] + "." + encodeSegment([]byte(`{"tenant_id":"tenant-b"}`)) + "." + parts[2]

	_, err = ValidateToken(forged)
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestToken_MalformedRejected(t *testing.T) {
	for _, token := range []string{"", "x", "a.b", "a.b.c.d", "..."} {
		_, err := ValidateToken(token)
		require.Error(t, err, "token %q", token)
	}
}

func TestToken_ExpiryWindow(t *testing.T) {
	now := time.Now().Unix()
	require.NoError(t, checkClaims(&Claims{
		Issuer: "agentflux", Audience: "agentflux-api",
		NotBefore: now - 10, ExpiresAt: now + 10,
	}, now))
	require.ErrorIs(t, checkClaims(&Claims{
		Issuer: "agentflux", Audience: "agentflux-api",
		NotBefore: now - 10, ExpiresAt: now - 1,
	}, now), ErrTokenExpired)
	require.ErrorIs(t, checkClaims(&Claims{
		Issuer: "agentflux", Audience: "agentflux-api",
		NotBefore: now + 5, ExpiresAt: now + 10,
	}, now), ErrTokenNotYetValid)
	require.ErrorIs(t, checkClaims(&Claims{
		Issuer: "other", Audience: "agentflux-api",
		NotBefore: now - 10, ExpiresAt: now + 10,
	}, now), ErrWrongIssuer)
}
