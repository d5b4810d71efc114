// Package errors defines the error taxonomy for the beacon mDNS responder.
//
// Every fallible call in the engine returns one of the Kind values below or
// success; this mirrors the "errno-style" field the server carries per the
// error handling design: validity is checked at API entry, and once inside a
// call the caller's invariants may be assumed.
package errors

import "fmt"

// Kind enumerates the error taxonomy exposed across the public API.
type Kind int

const (
	// KindNone is the zero value; never returned as an error.
	KindNone Kind = iota
	KindNoMemory
	KindInvalidHostName
	KindInvalidDomainName
	KindInvalidTTL
	KindIsPattern
	KindInvalidRecord
	KindInvalidInterface
	KindInvalidProtocol
	KindInvalidFlags
	KindInvalidServiceName
	KindInvalidServiceType
	KindInvalidServiceSubtype
	KindInvalidPort
	KindInvalidKey
	KindLocalCollision
	KindBadState
	KindNotFound
	KindTimeout
	KindNoNetwork
	// KindWireFormat covers malformed wire data: truncated packets, bad
	// compression pointers, oversize labels. Not part of spec.md's
	// enumerated embedder-facing taxonomy, but needed for packet-level
	// errors which are logged and dropped rather than surfaced to callers.
	KindWireFormat
)

func (k Kind) String() string {
	switch k {
	case KindNoMemory:
		return "NO_MEMORY"
	case KindInvalidHostName:
		return "INVALID_HOST_NAME"
	case KindInvalidDomainName:
		return "INVALID_DOMAIN_NAME"
	case KindInvalidTTL:
		return "INVALID_TTL"
	case KindIsPattern:
		return "IS_PATTERN"
	case KindInvalidRecord:
		return "INVALID_RECORD"
	case KindInvalidInterface:
		return "INVALID_INTERFACE"
	case KindInvalidProtocol:
		return "INVALID_PROTOCOL"
	case KindInvalidFlags:
		return "INVALID_FLAGS"
	case KindInvalidServiceName:
		return "INVALID_SERVICE_NAME"
	case KindInvalidServiceType:
		return "INVALID_SERVICE_TYPE"
	case KindInvalidServiceSubtype:
		return "INVALID_SERVICE_SUBTYPE"
	case KindInvalidPort:
		return "INVALID_PORT"
	case KindInvalidKey:
		return "INVALID_KEY"
	case KindLocalCollision:
		return "LOCAL_COLLISION"
	case KindBadState:
		return "BAD_STATE"
	case KindNotFound:
		return "NOT_FOUND"
	case KindTimeout:
		return "TIMEOUT"
	case KindNoNetwork:
		return "NO_NETWORK"
	case KindWireFormat:
		return "WIRE_FORMAT"
	default:
		return "NONE"
	}
}

// Error is the single error type returned across the engine. Op names the
// failing operation (e.g. "add_record", "parse name", "group_commit");
// Offset is set only for wire-format errors where a byte position is
// meaningful, and is -1 otherwise.
type Error struct {
	Kind   Kind
	Op     string
	Offset int
	Detail string
	Err    error
}

func (e *Error) Error() string {
	prefix := fmt.Sprintf("%s: %s", e.Kind, e.Op)
	if e.Offset >= 0 {
		prefix = fmt.Sprintf("%s at offset %d", prefix, e.Offset)
	}
	if e.Detail != "" {
		prefix = fmt.Sprintf("%s: %s", prefix, e.Detail)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s (%v)", prefix, e.Err)
	}
	return prefix
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether err is an *Error of the given Kind, satisfying the
// standard errors.Is protocol via a Kind-equality target.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an *Error with no wire-format offset.
func New(kind Kind, op, detail string) *Error {
	return &Error{Kind: kind, Op: op, Offset: -1, Detail: detail}
}

// Wrap constructs an *Error around an underlying cause.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Offset: -1, Err: err}
}

// WireFormat constructs a KindWireFormat error carrying a byte offset, for
// use by the wire codec (internal/wire) when rejecting malformed input.
func WireFormat(op string, offset int, detail string) *Error {
	return &Error{Kind: KindWireFormat, Op: op, Offset: offset, Detail: detail}
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error, and
// KindNone otherwise.
func KindOf(err error) Kind {
	var e *Error
	for err != nil {
		if ee, ok := err.(*Error); ok {
			e = ee
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return KindNone
	}
	return e.Kind
}
