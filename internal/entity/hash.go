package entity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// ID is a content-addressed surrogate key: the SHA-256 of an identity's
// business key. Recomputing the hash for the same key always yields the same
// ID, which is what makes identity upserts idempotent.
type ID [32]byte

// Hash derives an ID from business key parts. Parts are joined with "::" so
// the tenant scope becomes part of the key material itself.
func Hash(parts ...string) ID {
	return ID(sha256.Sum256([]byte(strings.Join(parts, "::"))))
}

// String returns the hex form used for storage and logging.
func (id ID) String() string { return hex.EncodeToString(id[:]) }

// IsZero reports whether the ID is unset.
func (id ID) IsZero() bool { return id == ID{} }

// ParseID decodes the hex form produced by String.
func ParseID(s string) (ID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("entity: parse id: %w", err)
	}
	if len(raw) != len(ID{}) {
		return ID{}, fmt.Errorf("entity: parse id: want %d bytes, got %d", len(ID{}), len(raw))
	}
	var id ID
	copy(id[:], raw)
	return id, nil
}

// Derivation helpers. These are the only ways the auth core builds identity
// keys, so a lookup without a tenant scope cannot be expressed for
// tenant-owned kinds.

// TenantID derives the identity of a tenant from its business key.
func TenantID(businessKey string) ID {
	return Hash(string(KindTenant), strings.ToLower(strings.TrimSpace(businessKey)))
}

// UserID derives a user identity scoped to its tenant.
func UserID(tenant ID, username string) ID {
	return Hash(string(KindUser), tenant.String(), strings.ToLower(strings.TrimSpace(username)))
}

// RoleID derives a role identity scoped to its tenant.
func RoleID(tenant ID, name string) ID {
	return Hash(string(KindRole), tenant.String(), strings.ToLower(strings.TrimSpace(name)))
}

// TokenID derives an API token identity from the token digest. Tokens are the
// entry point that establishes tenant scope, so their keys are global.
func TokenID(digest string) ID {
	return Hash(string(KindAPIToken), digest)
}

// SessionID derives a session identity from the session token digest.
func SessionID(digest string) ID {
	return Hash(string(KindSession), digest)
}

// ChangeHash computes a canonical digest of an attribute set. encoding/json
// sorts map keys, which gives a stable byte form without extra machinery.
func ChangeHash(attrs Attributes) string {
	data, err := json.Marshal(attrs)
	if err != nil {
		// Attributes are built from JSON-safe values; a marshal failure is a
		// programming error and the sentinel keeps it visible in diffs.
		return "unhashable"
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
