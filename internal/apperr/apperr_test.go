package apperr

import (
	"errors"
	"testing"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"kinded", New(NotFound, "bot %s not found", "b1"), NotFound},
		{"wrapped", Wrap(Transient, errors.New("dial tcp: timeout"), "create_vm failed"), Transient},
		{"unkinded", errors.New("boom"), Fatal},
		{"nil-ish wrap", Wrap(Conflict, nil, "version race"), Conflict},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.want {
				t.Errorf("KindOf() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestIs(t *testing.T) {
	err := New(QuotaExceeded, "account at max bots")
	if !Is(err, QuotaExceeded) {
		t.Fatal("expected Is(QuotaExceeded) to be true")
	}
	if Is(err, Conflict) {
		t.Fatal("expected Is(Conflict) to be false")
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(Transient, cause, "destroy_vm failed")
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to find wrapped cause")
	}
}
