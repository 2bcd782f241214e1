package acrnerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapReturnsNilForNilErr(t *testing.T) {
	if err := Wrap(FatalHV, "op", nil); err != nil {
		t.Fatalf("Wrap(..., nil) = %v, want nil", err)
	}
}

func TestWrapPreservesKindAndCause(t *testing.T) {
	cause := errors.New("ENOTTY")
	err := Wrap(TransientHV, "CREATE_VM", cause)

	var ae *Error
	if !errors.As(err, &ae) {
		t.Fatalf("errors.As failed to find *Error in %v", err)
	}
	if ae.Kind != TransientHV {
		t.Errorf("Kind = %v, want TransientHV", ae.Kind)
	}
	if !errors.Is(err, cause) {
		t.Errorf("errors.Is(err, cause) = false, want true")
	}
}

func TestHasKindMatchesAndDistinguishes(t *testing.T) {
	err := Wrap(ProtocolCorrupt, "cbc.Unpack", errors.New("checksum mismatch"))
	if !HasKind(err, ProtocolCorrupt) {
		t.Errorf("HasKind(err, ProtocolCorrupt) = false, want true")
	}
	if HasKind(err, EmulatorLogic) {
		t.Errorf("HasKind(err, EmulatorLogic) = true, want false")
	}
}

func TestHasKindFalseForPlainError(t *testing.T) {
	if HasKind(errors.New("plain"), FatalHV) {
		t.Errorf("HasKind on a plain error should be false")
	}
}

func TestErrorChainsThroughFmtErrorf(t *testing.T) {
	base := New(ResourceExhausted, "hugetlb.Materialize")
	wrapped := fmt.Errorf("vmctx: setup memory: %w", base)

	if !HasKind(wrapped, ResourceExhausted) {
		t.Fatalf("HasKind should see through an outer fmt.Errorf wrap")
	}
}

func TestKindStringIsHumanReadable(t *testing.T) {
	cases := map[Kind]string{
		FatalHV:           "FatalHV",
		TransientHV:       "TransientHV",
		GuestInputInvalid: "GuestInputInvalid",
		ProtocolCorrupt:   "ProtocolCorrupt",
		ResourceExhausted: "ResourceExhausted",
		IpcTimeout:        "IpcTimeout",
		EmulatorLogic:     "EmulatorLogic",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}
