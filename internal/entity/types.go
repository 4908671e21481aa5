package entity

import "time"

// Kind classifies identities stored in the temporal store.
type Kind string

const (
	KindTenant   Kind = "tenant"
	KindUser     Kind = "user"
	KindRole     Kind = "role"
	KindSession  Kind = "session"
	KindAPIToken Kind = "api_token"
)

// Identity is the immutable hub record for one real-world entity. The ID is
// derived from the business key and never reused; everything mutable lives in
// attribute versions.
type Identity struct {
	ID          ID
	Kind        Kind
	TenantID    ID // zero for tenant identities themselves
	BusinessKey string
	CreatedAt   time.Time
}

// Attributes holds the versioned fields of an identity. Values must survive a
// JSON round-trip (strings, bools, float64, RFC3339 timestamps as strings).
type Attributes map[string]any

// AttributeSet is one version of an identity's attributes, valid over
// [ValidFrom, ValidTo). ValidTo == nil marks the current version.
type AttributeSet struct {
	IdentityID ID
	ValidFrom  time.Time
	ValidTo    *time.Time
	ChangeHash string
	Attrs      Attributes
}

// Current reports whether this version is the open one.
func (a AttributeSet) Current() bool { return a.ValidTo == nil }

// Relationship links two identities within one tenant.
type Relationship struct {
	TenantID  ID
	FromID    ID
	ToID      ID
	Kind      string
	CreatedAt time.Time
}

// Relationship kinds used by the auth core.
const (
	RelUserRole   = "user-role"
	RelUserTenant = "user-tenant"
)

// String fetches a string attribute, returning "" when absent.
func (a Attributes) String(key string) string {
	v, _ := a[key].(string)
	return v
}

// Bool fetches a boolean attribute, returning false when absent.
func (a Attributes) Bool(key string) bool {
	v, _ := a[key].(bool)
	return v
}

// Int fetches a numeric attribute. JSON decoding yields float64, so both
// representations are accepted.
func (a Attributes) Int(key string) int {
	switch v := a[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// Time fetches an RFC3339 timestamp attribute, returning the zero time when
// absent or malformed.
func (a Attributes) Time(key string) time.Time {
	s, ok := a[key].(string)
	if !ok {
		if t, ok := a[key].(time.Time); ok {
			return t
		}
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Clone returns a deep-enough copy for the flat maps used by the auth core.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return Attributes{}
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// SetTime stores a timestamp in the canonical RFC3339 form.
func (a Attributes) SetTime(key string, t time.Time) {
	a[key] = t.UTC().Format(time.RFC3339Nano)
}
