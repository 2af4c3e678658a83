package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"classified", New(NotFound, "conversation missing"), NotFound},
		{"wrapped classified", fmt.Errorf("outer: %w", New(Forbidden, "not a member")), Forbidden},
		{"wrap carries kind", Wrap(InvalidInput, "decode", errors.New("bad json")), InvalidInput},
		{"plain error", errors.New("something broke"), Internal},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.want {
				t.Errorf("KindOf = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestWrapNilIsNil(t *testing.T) {
	if err := Wrap(Internal, "query", nil); err != nil {
		t.Errorf("Wrap(nil) = %v, want nil", err)
	}
}

func TestUnwrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(Internal, "ping postgres", cause)
	if !errors.Is(err, cause) {
		t.Errorf("wrapped error does not match its cause")
	}
}

func TestIs(t *testing.T) {
	err := Newf(Unauthorized, "user %s unknown", "alice")
	if !Is(err, Unauthorized) {
		t.Errorf("Is(err, Unauthorized) = false")
	}
	if Is(err, NotFound) {
		t.Errorf("Is(err, NotFound) = true")
	}
	if Is(nil, Internal) {
		t.Errorf("Is(nil, Internal) = true")
	}
}

func TestErrorMessageIncludesKind(t *testing.T) {
	err := New(NotFound, "conversation c1")
	if got := err.Error(); got != "not_found: conversation c1" {
		t.Errorf("Error() = %q", got)
	}
}
