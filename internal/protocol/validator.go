package protocol

import (
	"fmt"
	"strings"

	"github.com/joshuafuller/beacon/internal/errors"
)

// ValidateName validates a DNS name per RFC 1035 §3.1: labels ≤63 bytes,
// total wire-format length ≤255 bytes, and non-empty labels.
//
// Unlike strict RFC 1035 hostnames, mDNS service names are not restricted to
// [a-zA-Z0-9-]: RFC 6763 §4.1.1 instance names and TXT/PTR targets carry
// arbitrary UTF-8, so ValidateName only enforces structural constraints
// (label/name length, no empty labels), matching what a responder actually
// needs to reject to stay memory-safe. Character-class restriction is a
// resolver-side policy, not a wire-safety one.
func ValidateName(name string) error {
	if name == "" || name == "." {
		return nil // root name
	}

	trimmed := strings.TrimSuffix(name, ".")
	labels := SplitLabels(trimmed)

	wireLength := 1 // terminator
	for i, label := range labels {
		if label == "" {
			return errors.New(errors.KindInvalidDomainName, "validate name", fmt.Sprintf("empty label at position %d", i))
		}
		if len(label) > MaxLabelLength {
			return errors.New(errors.KindInvalidDomainName, "validate name", fmt.Sprintf("label %q exceeds %d bytes", label, MaxLabelLength))
		}
		wireLength += 1 + len(label)
	}

	if wireLength > MaxNameLength {
		return errors.New(errors.KindInvalidDomainName, "validate name", fmt.Sprintf("name %q exceeds %d wire-format bytes", name, MaxNameLength))
	}

	return nil
}

// SplitLabels splits a presentation-format name into labels, honoring the
// \. and \\ escapes a reader (internal/wire's consumeName) produces for
// literal dots and backslashes inside a label (§4.1, §9).
func SplitLabels(name string) []string {
	var labels []string
	var cur strings.Builder
	escaped := false
	for _, r := range name {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == '.':
			labels = append(labels, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 || len(labels) == 0 {
		labels = append(labels, cur.String())
	}
	return labels
}

// EscapeLabel replaces literal '.' and '\' with their escaped forms, used
// when assembling a presentation-format name out of raw wire label bytes.
func EscapeLabel(label string) string {
	var b strings.Builder
	for _, r := range label {
		if r == '.' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// NormalizeName lowercases a name for case-insensitive comparison/hashing
// (§3: ResourceKey is hashed by normalized name). Per spec.md §9, trailing
// dots are not treated as meaningfully different from their absence; we
// normalize away a single trailing dot rather than requiring callers to
// append one.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}

// ValidateResponseFlags checks the header-flag requirements for an incoming
// message per RFC 6762 §18.3/§18.11: OPCODE and RCODE MUST be zero for a
// packet to be processed at all (query or response).
func ValidateResponseFlags(flags uint16) error {
	opcode := (flags >> 11) & 0x0F
	if opcode != OpcodeQuery {
		return errors.New(errors.KindWireFormat, "validate flags", fmt.Sprintf("OPCODE %d != 0", opcode))
	}
	rcode := flags & 0x000F
	if rcode != RCodeNoError {
		return errors.New(errors.KindWireFormat, "validate flags", fmt.Sprintf("RCODE %d != 0", rcode))
	}
	return nil
}
