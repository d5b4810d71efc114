package errors

import (
	stderrors "errors"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	cases := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "plain",
			err:  New(KindInvalidTTL, "add_record", "ttl must be nonzero"),
			want: "INVALID_TTL: add_record: ttl must be nonzero",
		},
		{
			name: "wire format with offset",
			err:  WireFormat("parse name", 12, "label exceeds 63 bytes"),
			want: "WIRE_FORMAT: parse name at offset 12: label exceeds 63 bytes",
		},
		{
			name: "wrapped",
			err:  Wrap(KindNoNetwork, "bind socket", stderrors.New("address in use")),
			want: "NO_NETWORK: bind socket (address in use)",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.err.Error(); got != tc.want {
				t.Errorf("Error() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	err := Wrap(KindLocalCollision, "add", stderrors.New("boom"))
	if got := KindOf(err); got != KindLocalCollision {
		t.Errorf("KindOf() = %v, want %v", got, KindLocalCollision)
	}
	if got := KindOf(stderrors.New("plain")); got != KindNone {
		t.Errorf("KindOf(plain) = %v, want KindNone", got)
	}
}

func TestErrorIs(t *testing.T) {
	a := New(KindBadState, "group_commit", "")
	b := New(KindBadState, "group_reset", "")
	c := New(KindNotFound, "group_commit", "")

	if !stderrors.Is(a, b) {
		t.Error("expected same-kind errors to match via errors.Is")
	}
	if stderrors.Is(a, c) {
		t.Error("expected different-kind errors not to match")
	}
}
