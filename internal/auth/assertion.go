package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Context assertions are how the business layer downstream learns
// (tenant_id, user_id, roles) after a session validates. They are short-lived
// HS256 JWTs; the opaque session token remains the only credential this core
// accepts, assertions are output only.

const (
	assertionIssuer   = "vaultgate"
	secretEnvVariable = "VAULTGATE_ASSERTION_SECRET"

	defaultAssertionTTL = 15 * time.Minute
)

var (
	errMissingSecret = errors.New("assertion secret is not configured")

	secretMu sync.Mutex
	secret   cachedSecret
)

type cachedSecret struct {
	value []byte
	err   error
	ready bool
}

// ErrInvalidAssertion indicates the assertion failed validation.
var ErrInvalidAssertion = errors.New("invalid assertion")

// AssertionClaims is the downstream context payload.
type AssertionClaims struct {
	TenantID string   `json:"tenant"`
	Roles    []string `json:"roles"`
	jwt.RegisteredClaims
}

// GenerateAssertion signs a context assertion for the given session.
func GenerateAssertion(userID, tenantID string, roles []string, ttl time.Duration) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" || strings.TrimSpace(tenantID) == "" {
		return "", errors.New("user and tenant are required")
	}
	if ttl <= 0 {
		ttl = defaultAssertionTTL
	}
	secretBytes, err := loadSecret()
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	claims := AssertionClaims{
		TenantID: tenantID,
		Roles:    dedupeRoles(roles),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    assertionIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secretBytes)
	if err != nil {
		return "", fmt.Errorf("sign assertion: %w", err)
	}
	return signed, nil
}

// ParseAssertion verifies the signature and required claims.
func ParseAssertion(token string) (*AssertionClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidAssertion
	}
	secretBytes, err := loadSecret()
	if err != nil {
		return nil, err
	}

	parsed, err := jwt.ParseWithClaims(token, &AssertionClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidAssertion
		}
		return secretBytes, nil
	})
	if err != nil {
		return nil, ErrInvalidAssertion
	}
	claims, ok := parsed.Claims.(*AssertionClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidAssertion
	}
	if err := validateAssertionClaims(claims); err != nil {
		return nil, ErrInvalidAssertion
	}
	claims.Roles = dedupeRoles(claims.Roles)
	return claims, nil
}

func validateAssertionClaims(claims *AssertionClaims) error {
	if claims.Issuer != assertionIssuer {
		return fmt.Errorf("unexpected issuer: %s", claims.Issuer)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return errors.New("subject missing")
	}
	if strings.TrimSpace(claims.TenantID) == "" {
		return errors.New("tenant missing")
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	now := time.Now().UTC()
	if now.After(claims.ExpiresAt.Time) {
		return errors.New("assertion expired")
	}
	// Allow a small clock skew of 5 seconds when validating issued-at.
	if claims.IssuedAt.Time.After(now.Add(5 * time.Second)) {
		return errors.New("assertion issued in the future")
	}
	return nil
}

func dedupeRoles(roles []string) []string {
	if len(roles) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(roles))
	var normalized []string
	for _, role := range roles {
		role = strings.TrimSpace(strings.ToLower(role))
		if role == "" {
			continue
		}
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		normalized = append(normalized, role)
	}
	return normalized
}

// SetAssertionSecret installs the signing secret from loaded configuration.
// Called once at startup, before any assertion is minted or parsed; empty
// input leaves the environment fallback in place.
func SetAssertionSecret(raw string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return
	}
	secretMu.Lock()
	defer secretMu.Unlock()
	secret = cachedSecret{value: []byte(raw), ready: true}
}

// loadSecret resolves the secret lazily. Configuration seeds it through
// SetAssertionSecret; the environment variable is the fallback for processes
// that never run config.Load, such as tests.
func loadSecret() ([]byte, error) {
	secretMu.Lock()
	defer secretMu.Unlock()
	if secret.ready {
		return secret.value, secret.err
	}
	raw := strings.TrimSpace(os.Getenv(secretEnvVariable))
	if raw == "" {
		secret.err = errMissingSecret
		secret.ready = true
		return nil, secret.err
	}
	secret.value = []byte(raw)
	secret.err = nil
	secret.ready = true
	return secret.value, nil
}

// ResetSecretForTests clears the cached secret value. Only intended for test use.
func ResetSecretForTests() {
	secretMu.Lock()
	defer secretMu.Unlock()
	secret = cachedSecret{}
}
