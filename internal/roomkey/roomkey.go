// Package roomkey derives canonical conversation identifiers.
//
// A two-party room key is order-independent: Derive(a, b) == Derive(b, a).
// Group keys live in their own "group-" namespace so they can never collide
// with a two-party key.
//
// Participant identifiers are opaque tokens issued by the identity provider.
// Callers validate them before this layer: they are non-empty, never contain
// the separator, and never equal the reserved word "group".
package roomkey

// Key is a canonical room identifier as it appears on the wire.
type Key string

// Separator joins the two sorted participant identifiers of a direct room.
const Separator = "-"

// GroupPrefix namespaces group room keys away from two-party keys.
const GroupPrefix = "group-"

// Derive returns the canonical key for a two-party conversation.
// The participant identifiers are sorted lexicographically before joining,
// so the result is the same regardless of argument order.
func Derive(a, b string) Key {
	if b < a {
		a, b = b, a
	}
	return Key(a + Separator + b)
}

// DeriveGroup returns the canonical key for a group conversation.
func DeriveGroup(groupID string) Key {
	return Key(GroupPrefix + groupID)
}

// IsGroup reports whether k identifies a group conversation.
func IsGroup(k Key) bool {
	return len(k) >= len(GroupPrefix) && string(k[:len(GroupPrefix)]) == GroupPrefix
}

// GroupID returns the group identifier of a group key, or empty for
// two-party keys.
func GroupID(k Key) string {
	if !IsGroup(k) {
		return ""
	}
	return string(k[len(GroupPrefix):])
}

// String returns the wire form of the key.
func (k Key) String() string { return string(k) }
