// Package auth issues and verifies the HS256 bearer tokens the control
// plane API requires. Tokens bind a tenant and a role; the scheduler
// trusts the tenant claim as the fairness key, so signature verification
// is constant-time and the secret must be strong.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	tokenIssuer   = "agentflux"
	tokenAudience = "agentflux-api"
	defaultTTL    = 24 * time.Hour
	minSecretLen  = 32

	// devSecret keeps an unconfigured local checkout bootable; any
	// deployment that serves real traffic must set JWT_SECRET.
	devSecret = "agentflux-dev-only-secret-do-not-deploy-0000"
)

var (
	ErrMalformedToken   = errors.New("auth: malformed token")
	ErrBadSignature     = errors.New("auth: signature mismatch")
	ErrTokenExpired     = errors.New("auth: token expired")
	ErrTokenNotYetValid = errors.New("auth: token not yet valid")
	ErrWrongIssuer      = errors.New("auth: unexpected issuer or audience")
)

// Claims is the verified payload of an API token.
type Claims struct {
	TenantID  string `json:"tenant_id"`
	Role      string `json:"role"`
	Issuer    string `json:"iss"`
	Audience  string `json:"aud"`
	IssuedAt  int64  `json:"iat"`
	NotBefore int64  `json:"nbf"`
	ExpiresAt int64  `json:"exp"`
}

var signingKey = loadSecret()

func loadSecret() []byte {
	secret := os.Getenv("JWT_SECRET")
	switch {
	case secret == "":
		fmt.Println("WARNING: JWT_SECRET not set; using the built-in dev secret. Do not deploy like this.")
		return []byte(devSecret)
	case len(secret) < minSecretLen:
		panic(fmt.Sprintf("JWT_SECRET must be at least %d characters", minSecretLen))
	default:
		return []byte(secret)
	}
}

var jwtHeader = encodeSegment([]byte(`{"alg":"HS256","typ":"JWT"}`))

// GenerateToken mints a signed token for the tenant/role pair.
func GenerateToken(tenantID, role string) (string, error) {
	now := time.Now().Unix()
	payload, err := json.Marshal(Claims{
		TenantID:  tenantID,
		Role:      role,
		Issuer:    tokenIssuer,
		Audience:  tokenAudience,
		IssuedAt:  now,
		NotBefore: now,
		ExpiresAt: now + int64(defaultTTL.Seconds()),
	})
	if err != nil {
		return "", err
	}

	signed := jwtHeader + "." + encodeSegment(payload)
	return signed + "." + encodeSegment(sign(signed)), nil
}

// ValidateToken verifies the signature and temporal/audience claims,
// returning the claims on success.
func ValidateToken(token string) (*Claims, error) {
	signed, sig, ok := splitToken(token)
	if !ok {
		return nil, ErrMalformedToken
	}

	got, err := decodeSegment(sig)
	if err != nil {
		return nil, ErrMalformedToken
	}
	if !hmac.Equal(got, sign(signed)) {
		return nil, ErrBadSignature
	}

	_, payload, _ := strings.Cut(signed, ".")
	raw, err := decodeSegment(payload)
	if err != nil {
		return nil, ErrMalformedToken
	}
	var claims Claims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, fmt.Errorf("auth: claims decode: %w", err)
	}
	return &claims, checkClaims(&claims, time.Now().Unix())
}

// splitToken separates "<header>.<payload>.<sig>" into the signed prefix
// and the signature segment.
func splitToken(token string) (signed, sig string, ok bool) {
	idx := strings.LastIndexByte(token, '.')
	if idx <= 0 || strings.Count(token, ".") != 2 {
		return "", "", false
	}
	return token[:idx], token[idx+1:], true
}

func checkClaims(c *Claims, now int64) error {
	if c.Issuer != tokenIssuer || c.Audience != tokenAudience {
		return ErrWrongIssuer
	}
	if c.NotBefore > now {
		return ErrTokenNotYetValid
	}
	if now >= c.ExpiresAt {
		return ErrTokenExpired
	}
	return nil
}

func sign(msg string) []byte {
	mac := hmac.New(sha256.New, signingKey)
	mac.Write([]byte(msg))
	return mac.Sum(nil)
}

func encodeSegment(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeSegment(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}
