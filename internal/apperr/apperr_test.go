package apperr

import (
	"errors"
	"testing"
)

func TestClassifiedError_Is(t *testing.T) {
	err := VMErrorf("boot failed for %s", "vm-1")
	if !errors.Is(err, ErrVM) {
		t.Fatalf("expected errors.Is(err, ErrVM) to hold")
	}
	if errors.Is(err, ErrNetwork) {
		t.Fatalf("did not expect err to classify as ErrNetwork")
	}
	if err.Error() != "boot failed for vm-1" {
		t.Fatalf("unexpected message: %s", err.Error())
	}
}

func TestWrap_PreservesBothKindAndCause(t *testing.T) {
	cause := errors.New("connection refused")
	wrapped := Wrap(ErrNetwork, cause)

	if !errors.Is(wrapped, ErrNetwork) {
		t.Fatalf("expected wrapped error to classify as ErrNetwork")
	}
	if !errors.Is(wrapped, cause) {
		t.Fatalf("expected wrapped error to unwrap to the original cause")
	}
}

func TestWrap_Nil(t *testing.T) {
	if Wrap(ErrVM, nil) != nil {
		t.Fatalf("expected Wrap(kind, nil) to return nil")
	}
}
