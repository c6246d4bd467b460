package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestWrapKeepsCodeAndCause(t *testing.T) {
	cause := stdErrors.New("connection reset")
	err := fmt.Errorf("outer: %w", Wrap(CodeModelFailure, cause, "model unavailable"))

	if CodeOf(err) != CodeModelFailure {
		t.Fatalf("unexpected code %s", CodeOf(err))
	}
	if !stdErrors.Is(err, cause) {
		t.Fatal("expected cause to be reachable through errors.Is")
	}
	if !stdErrors.Is(err, New(CodeModelFailure, "")) {
		t.Fatal("expected errors.Is to match by code")
	}
	if got := UserMessage(err); got != "model unavailable" {
		t.Fatalf("user message leaked detail: %q", got)
	}
	if !RetryableError(err) {
		t.Fatal("model failures should be retryable by default")
	}
}

func TestRegisterCustomCode(t *testing.T) {
	const code Code = "TEST_CUSTOM"
	Register(code, Attributes{Message: "custom", Severity: SeverityInfo})

	err := New(code, "")
	if err.Message() != "custom" {
		t.Fatalf("expected registered default message, got %q", err.Message())
	}
	if err.ShouldAlert() {
		t.Fatal("custom code should not alert")
	}
	if !HasCode(err, code) || HasCode(err, CodeUnknown) {
		t.Fatal("HasCode mismatch")
	}
}

func TestOptionsOverrideRegisteredDefaults(t *testing.T) {
	err := Wrap(CodeModelFailure, stdErrors.New("canceled"), "",
		WithRetryable(false), WithAlert(false), WithSeverity(SeverityInfo))
	if RetryableError(err) || ShouldAlert(err) || SeverityOf(err) != SeverityInfo {
		t.Fatalf("options not applied: retryable=%v alert=%v severity=%s",
			RetryableError(err), ShouldAlert(err), SeverityOf(err))
	}
	if err.Message() != AttributesOf(CodeModelFailure).Message {
		t.Fatalf("expected default message, got %q", err.Message())
	}

	// 覆盖只作用于单个实例，登记表保持不变。
	fresh := New(CodeModelFailure, "")
	if !fresh.Retryable() || !fresh.ShouldAlert() || fresh.Severity() != SeverityWarning {
		t.Fatalf("registered defaults changed: %+v", AttributesOf(CodeModelFailure))
	}
}

func TestUnknownFallbacks(t *testing.T) {
	plain := stdErrors.New("plain")
	if CodeOf(plain) != CodeUnknown {
		t.Fatal("plain errors map to UNKNOWN")
	}
	if SeverityOf(plain) != SeverityCritical {
		t.Fatal("unknown severity should be critical")
	}
	if UserMessage(plain) != "unknown error" {
		t.Fatalf("unexpected user message %q", UserMessage(plain))
	}
}
