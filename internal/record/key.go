// Package record implements the mDNS data model (§3 of the spec): the
// immutable ResourceKey/ResourceRecord pair shared by the cache, the
// scheduler, and the entry/entry-group manager.
//
// Grounded on the teacher's internal/records/record_set.go record-building
// helpers and internal/message's type definitions, generalized to the
// key/record split spec.md §3 requires (reference-counted, class+type+name
// keyed, lexicographically ordered for probe tie-breaking) instead of the
// teacher's flat message.ResourceRecord.
package record

import (
	"fmt"
	"strings"

	"github.com/joshuafuller/beacon/internal/protocol"
)

// Key identifies a resource record by owner name, class, and type. It is
// immutable after construction and hashed/compared by normalized
// (case-insensitive) name plus type plus class (§3).
type Key struct {
	name  string // normalized (lowercased, no trailing dot)
	Type  protocol.Type
	Class protocol.Class
}

// NewKey constructs a Key, normalizing name for case-insensitive comparison
// and hashing.
func NewKey(name string, t protocol.Type, c protocol.Class) Key {
	return Key{name: protocol.NormalizeName(name), Type: t, Class: c}
}

// Name returns the normalized owner name.
func (k Key) Name() string { return k.name }

// IsPattern reports whether this key is a wildcard pattern: type == ANY
// matches any type in the name/class (§3).
func (k Key) IsPattern() bool { return k.Type == protocol.TypeANY }

// Matches reports whether k (typically a pattern key from a query or a
// walk) matches candidate. A pattern key with type ANY matches any type in
// the same name/class; otherwise type and class must match exactly too.
func (k Key) Matches(candidate Key) bool {
	if k.Class != candidate.Class || k.name != candidate.name {
		return false
	}
	return k.IsPattern() || k.Type == candidate.Type
}

func (k Key) String() string {
	return fmt.Sprintf("%s %s %s", k.name, classString(k.Class), k.Type)
}

func classString(c protocol.Class) string {
	if c == protocol.ClassIN {
		return "IN"
	}
	return fmt.Sprintf("CLASS%d", c)
}

// labelCompare compares two label sequences the way a probe tie-break
// compares rdata names (§4.8): label by label, case-sensitive octet
// comparison with length precedence — a shorter common prefix label sorts
// first, matching RFC 6762 §8.2's canonical rdata ordering.
func labelCompare(a, b []string) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := compareBytes([]byte(a[i]), []byte(b[i])); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

func compareBytes(a, b []byte) int {
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// compareNames compares two presentation-format domain names label by
// label, case-sensitively, per the probe tie-break rule (§4.8).
func compareNames(a, b string) int {
	return labelCompare(strings.Split(a, "."), strings.Split(b, "."))
}
