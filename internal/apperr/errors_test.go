package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf_Wrapped(t *testing.T) {
	base := Network(CodeConnectFailed, "dial failed", errors.New("connection refused"))
	err := fmt.Errorf("connect: %w", base)

	if KindOf(err) != KindNetwork {
		t.Errorf("Expected KindNetwork, got %s", KindOf(err))
	}
	if CodeOf(err) != CodeConnectFailed {
		t.Errorf("Expected code %s, got %s", CodeConnectFailed, CodeOf(err))
	}
	if !IsRetryable(err) {
		t.Error("Expected network error to be retryable")
	}
}

func TestKindOf_Plain(t *testing.T) {
	if KindOf(errors.New("boom")) != KindUnknown {
		t.Error("Expected KindUnknown for plain error")
	}
	if IsFatal(nil) {
		t.Error("Expected nil error to be non-fatal")
	}
}

func TestPermissionDeniedIsFatal(t *testing.T) {
	err := Hardware(CodePermissionDenied, "microphone access revoked", nil)
	if !err.Fatal {
		t.Error("Expected permission denial to be fatal")
	}
	if err.Retryable() {
		t.Error("Expected permission denial to be non-retryable")
	}

	timeout := Hardware(CodeHardwareTimeout, "init timed out", nil)
	if !timeout.Retryable() {
		t.Error("Expected hardware timeout to be retryable")
	}
}

func TestErrorsIs_MatchesKindAndCode(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", Timeout(CodeFinalizeTimeout, "no trailing tokens"))

	if !errors.Is(err, &Error{Kind: KindTimeout}) {
		t.Error("Expected errors.Is to match on kind")
	}
	if !errors.Is(err, &Error{Kind: KindTimeout, Code: CodeFinalizeTimeout}) {
		t.Error("Expected errors.Is to match on kind and code")
	}
	if errors.Is(err, &Error{Kind: KindTimeout, Code: CodePollTimeout}) {
		t.Error("Expected errors.Is to reject a different code")
	}
}

func TestWrap_Nil(t *testing.T) {
	if Wrap(nil, KindNetwork, CodeSendFailed, "send") != nil {
		t.Error("Expected Wrap(nil) to return nil")
	}
}
