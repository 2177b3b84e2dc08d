package chatid_test

import (
	"testing"

	"mtproto-gateway/internal/core/chatid"
)

func TestParseRefNormalizesNumericForms(t *testing.T) {
	t.Parallel()

	// Все четыре формы одного супергруппного id сходятся к канонической.
	cases := []struct {
		name string
		in   any
		want int64
	}{
		{name: "unsignedString", in: "1234567890", want: -1001234567890},
		{name: "canonicalString", in: "-1001234567890", want: -1001234567890},
		{name: "positiveNumber", in: float64(1234567890), want: -1001234567890},
		{name: "canonicalNumber", in: float64(-1001234567890), want: -1001234567890},
		{name: "intInput", in: 1234567890, want: -1001234567890},
		{name: "int64Input", in: int64(-1001234567890), want: -1001234567890},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ref, err := chatid.ParseRef(tc.in)
			if err != nil {
				t.Fatalf("ParseRef(%v) error: %v", tc.in, err)
			}
			if !ref.IsID() {
				t.Fatalf("ParseRef(%v) = username %q, want numeric", tc.in, ref.Username)
			}
			if ref.ID != tc.want {
				t.Fatalf("ParseRef(%v) = %d, want %d", tc.in, ref.ID, tc.want)
			}
		})
	}
}

func TestParseRefUsernames(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   any
		want string
	}{
		{name: "withAt", in: "@some_name", want: "some_name"},
		{name: "bare", in: "some_name", want: "some_name"},
		{name: "trimmed", in: "  @name  ", want: "name"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ref, err := chatid.ParseRef(tc.in)
			if err != nil {
				t.Fatalf("ParseRef(%v) error: %v", tc.in, err)
			}
			if ref.IsID() {
				t.Fatalf("ParseRef(%v) = id %d, want username", tc.in, ref.ID)
			}
			if ref.Username != tc.want {
				t.Fatalf("ParseRef(%v) = %q, want %q", tc.in, ref.Username, tc.want)
			}
		})
	}
}

func TestParseRefErrors(t *testing.T) {
	t.Parallel()

	for _, in := range []any{nil, "", "  ", []string{"x"}} {
		if _, err := chatid.ParseRef(in); err == nil {
			t.Fatalf("ParseRef(%#v) expected error", in)
		}
	}
}

func TestNormalizeIDKeepsNegative(t *testing.T) {
	t.Parallel()

	if got := chatid.NormalizeID(-42); got != -42 {
		t.Fatalf("NormalizeID(-42) = %d", got)
	}
	if got := chatid.NormalizeID(42); got != -1000000000042 {
		t.Fatalf("NormalizeID(42) = %d", got)
	}
}
