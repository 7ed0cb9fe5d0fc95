package domain

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNotFoundErrorMessage(t *testing.T) {
	err := NotFoundError{Entity: EntityRecord, ID: "sim-404"}
	if !strings.Contains(err.Error(), "sim-404") || !strings.Contains(err.Error(), string(EntityRecord)) {
		t.Fatalf("unexpected message: %q", err.Error())
	}
}

func TestSimulationErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := SimulationError{RecordID: "sim-1", Cause: cause}
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to reach the cause")
	}
	if !strings.Contains(err.Error(), "boom") || !strings.Contains(err.Error(), "sim-1") {
		t.Fatalf("unexpected message: %q", err.Error())
	}
	wrapped := fmt.Errorf("outer: %w", err)
	var serr SimulationError
	if !errors.As(wrapped, &serr) || serr.RecordID != "sim-1" {
		t.Fatalf("expected errors.As to recover SimulationError")
	}
}

func TestCacheProviderErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := CacheProviderError{Driver: "s3", Op: "load", Key: "prerun/v1/abc", Cause: cause}
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to reach the cause")
	}
	for _, want := range []string{"s3", "load", "prerun/v1/abc", "connection refused"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("message %q missing %q", err.Error(), want)
		}
	}
}

func TestValidationErrorCarriesResult(t *testing.T) {
	res := Result{Violations: []Violation{{Rule: "record_status_transition", Severity: SeverityBlock}}}
	err := ValidationError{Result: res}
	var verr ValidationError
	if !errors.As(error(err), &verr) {
		t.Fatalf("expected errors.As round-trip")
	}
	if len(verr.Result.Violations) != 1 {
		t.Fatalf("result not carried through")
	}
}
