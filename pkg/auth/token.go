package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatrelay/pkg/config"
)

// HandlerClaims is the claim set embedded into the short-lived token sent on
// every outbound handler invocation. Handlers can verify the signature but
// cannot forge or strip it without the shared signing key.
type HandlerClaims struct {
	TenantID      string `json:"tenant_id"`
	OwnerID       string `json:"owner_id"`
	ThreadID      string `json:"thread_id"`
	CorrelationID string `json:"correlation_id"`
	ExpiresAt     int64  `json:"exp"`
}

var errNoSigningKey = errors.New("no signing keys configured")

// MintHandlerToken produces a compact signed token: base64url(claims JSON)
// "." hex(HMAC-SHA256). TTL is clamped to 60s so a leaked token ages out
// quickly.
func MintHandlerToken(claims HandlerClaims, ttl time.Duration) (string, error) {
	key := firstSigningKey()
	if key == "" {
		return "", errNoSigningKey
	}
	if ttl <= 0 || ttl > 60*time.Second {
		ttl = 60 * time.Second
	}
	claims.ExpiresAt = time.Now().Add(ttl).Unix()
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	body := base64.RawURLEncoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(body))
	return body + "." + hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyHandlerToken checks the signature against every configured signing
// key and the expiry. Used in tests and by in-process handler stubs.
func VerifyHandlerToken(token string) (HandlerClaims, error) {
	var claims HandlerClaims
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return claims, fmt.Errorf("malformed token")
	}
	ok := false
	for k := range config.GetSigningKeys() {
		mac := hmac.New(sha256.New, []byte(k))
		mac.Write([]byte(parts[0]))
		if hmac.Equal([]byte(hex.EncodeToString(mac.Sum(nil))), []byte(parts[1])) {
			ok = true
			break
		}
	}
	if !ok {
		return claims, fmt.Errorf("invalid token signature")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return claims, fmt.Errorf("malformed token payload: %w", err)
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return claims, fmt.Errorf("malformed token claims: %w", err)
	}
	if time.Now().Unix() > claims.ExpiresAt {
		return claims, fmt.Errorf("token expired")
	}
	return claims, nil
}

func firstSigningKey() string {
	for k := range config.GetSigningKeys() {
		return k
	}
	return ""
}
