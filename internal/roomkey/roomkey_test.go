package roomkey

import "testing"

func TestDeriveCommutative(t *testing.T) {
	tests := []struct {
		a, b string
		want Key
	}{
		{"alice", "bob", "alice-bob"},
		{"bob", "alice", "alice-bob"},
		{"uid_9f2", "uid_0a1", "uid_0a1-uid_9f2"},
		{"Zed", "ann", "Zed-ann"},
	}
	for _, tt := range tests {
		if got := Derive(tt.a, tt.b); got != tt.want {
			t.Errorf("Derive(%q, %q) = %q, want %q", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestDeriveSymmetry(t *testing.T) {
	pairs := [][2]string{
		{"a", "b"}, {"x1", "x2"}, {"long_identifier_one", "long_identifier_two"},
	}
	for _, p := range pairs {
		if Derive(p[0], p[1]) != Derive(p[1], p[0]) {
			t.Errorf("Derive(%q, %q) != Derive(%q, %q)", p[0], p[1], p[1], p[0])
		}
	}
}

func TestGroupKeysDisjoint(t *testing.T) {
	g := DeriveGroup("friends")
	if g != "group-friends" {
		t.Errorf("DeriveGroup = %q, want group-friends", g)
	}
	if !IsGroup(g) {
		t.Error("IsGroup(DeriveGroup(...)) = false")
	}
	if IsGroup(Derive("alice", "bob")) {
		t.Error("IsGroup(Derive(alice, bob)) = true")
	}
}
