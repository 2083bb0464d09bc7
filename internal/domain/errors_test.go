package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("submit: %w", Validation("fund_a_required", "fund A allocation is required"))

	if !errors.Is(err, ErrValidation) {
		t.Fatal("expected wrapped validation error to match ErrValidation")
	}
	if errors.Is(err, ErrPersistence) {
		t.Fatal("validation error must not match ErrPersistence")
	}
	if KindOf(err) != KindValidation {
		t.Fatalf("expected KindValidation, got %v", KindOf(err))
	}
}

func TestPersistenceUnwrapsCause(t *testing.T) {
	cause := errors.New("database is locked")
	err := Persistence("update session", cause)

	if !errors.Is(err, cause) {
		t.Fatal("expected cause to be reachable through Unwrap")
	}
	if !errors.Is(err, ErrPersistence) {
		t.Fatal("expected ErrPersistence match")
	}
}

func TestKindOfPlainError(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != 0 {
		t.Fatalf("expected zero kind, got %v", got)
	}
}
