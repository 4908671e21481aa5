package entity

import (
	"fmt"
	"math/rand"
	"testing"
)

func TestHashDeterminism(t *testing.T) {
	a := Hash("tenant", "acme")
	b := Hash("tenant", "acme")
	if a != b {
		t.Fatalf("same key produced different ids: %s vs %s", a, b)
	}
	if a == Hash("tenant", "globex") {
		t.Fatal("distinct keys produced the same id")
	}
}

func TestHashNoCollisionsOverSample(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	seen := make(map[ID]string, 20000)
	for i := 0; i < 20000; i++ {
		key := fmt.Sprintf("key-%d-%d", i, rng.Int63())
		id := Hash("sample", key)
		if prev, ok := seen[id]; ok {
			t.Fatalf("collision between %q and %q", prev, key)
		}
		seen[id] = key
	}
}

func TestParseIDRoundTrip(t *testing.T) {
	id := Hash("user", "t1", "alice")
	parsed, err := ParseID(id.String())
	if err != nil {
		t.Fatalf("ParseID: %v", err)
	}
	if parsed != id {
		t.Fatalf("round trip mismatch: %s vs %s", parsed, id)
	}
	if _, err := ParseID("zz"); err == nil {
		t.Fatal("expected error for invalid hex")
	}
	if _, err := ParseID("abcd"); err == nil {
		t.Fatal("expected error for short input")
	}
}

func TestUserIDIsTenantScoped(t *testing.T) {
	t1 := TenantID("acme")
	t2 := TenantID("globex")
	if UserID(t1, "alice") == UserID(t2, "alice") {
		t.Fatal("same username in different tenants must derive different ids")
	}
	if UserID(t1, "Alice") != UserID(t1, " alice ") {
		t.Fatal("username normalization should fold case and whitespace")
	}
}

func TestChangeHashStable(t *testing.T) {
	a := ChangeHash(Attributes{"b": 1, "a": "x"})
	b := ChangeHash(Attributes{"a": "x", "b": 1})
	if a != b {
		t.Fatalf("key order changed the hash: %s vs %s", a, b)
	}
	if a == ChangeHash(Attributes{"a": "x", "b": 2}) {
		t.Fatal("different values must change the hash")
	}
}
