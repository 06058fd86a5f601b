package auth

import (
	"context"
	"testing"
)

// ---------------------------------------------------------------------------
// DetectorVerifier
// ---------------------------------------------------------------------------

func TestDetectorVerifier_Disabled(t *testing.T) {
	v := NewDetectorVerifier(nil)
	if v.Enabled() {
		t.Error("verifier with no hashes should be disabled")
	}
	if v.Verify(context.Background(), "anything") {
		t.Error("disabled verifier should reject every token")
	}
}

func TestDetectorVerifier_RoundTrip(t *testing.T) {
	hash, err := HashDetectorToken("fraud-detector-token-001")
	if err != nil {
		t.Fatalf("HashDetectorToken: %v", err)
	}

	v := NewDetectorVerifier([]string{hash})
	if !v.Enabled() {
		t.Error("verifier with a hash should be enabled")
	}
	if !v.Verify(context.Background(), "fraud-detector-token-001") {
		t.Error("correct token should verify")
	}
	if v.Verify(context.Background(), "fraud-detector-token-002") {
		t.Error("wrong token should not verify")
	}
}

func TestDetectorVerifier_MultipleHashes(t *testing.T) {
	h1, _ := HashDetectorToken("token-a")
	h2, _ := HashDetectorToken("token-b")

	v := NewDetectorVerifier([]string{h1, h2})
	if !v.Verify(context.Background(), "token-b") {
		t.Error("token matching the second hash should verify")
	}
}

func TestDetectorVerifier_CancelledContext(t *testing.T) {
	hash, _ := HashDetectorToken("token-a")
	v := NewDetectorVerifier([]string{hash})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if v.Verify(ctx, "token-a") {
		t.Error("cancelled context should short-circuit verification")
	}
}
