package anchor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/tradeforge/compliance-backend/internal/audit"
	"github.com/tradeforge/compliance-backend/internal/config"
)

// ---------------------------------------------------------------------------
// Checkpoint
// ---------------------------------------------------------------------------

func TestFromTail(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tail := &audit.AuditRecord{
		ChainID:        "platform",
		SequenceNumber: 42,
		RecordHash:     strings.Repeat("ab", 32),
	}

	cp := FromTail(tail, now)
	if cp.ChainID != "platform" {
		t.Errorf("ChainID = %q, want platform", cp.ChainID)
	}
	if cp.SequenceNumber != 42 {
		t.Errorf("SequenceNumber = %d, want 42", cp.SequenceNumber)
	}
	if cp.RecordHash != tail.RecordHash {
		t.Errorf("RecordHash = %q, want tail hash", cp.RecordHash)
	}
	if !cp.AnchoredAt.Equal(now) {
		t.Errorf("AnchoredAt = %v, want %v", cp.AnchoredAt, now)
	}
}

func TestCheckpointKey_ZeroPadded(t *testing.T) {
	cp := Checkpoint{ChainID: "platform", SequenceNumber: 42}
	want := "platform/00000000000000000042.json"
	if got := cp.Key(); got != want {
		t.Errorf("Key() = %q, want %q", got, want)
	}

	// Lexical order must track sequence order.
	earlier := Checkpoint{ChainID: "platform", SequenceNumber: 9}
	later := Checkpoint{ChainID: "platform", SequenceNumber: 10}
	if !(earlier.Key() < later.Key()) {
		t.Errorf("keys are not lexically ordered: %q vs %q", earlier.Key(), later.Key())
	}
}

func TestCheckpointPayload_RoundTrip(t *testing.T) {
	cp := Checkpoint{
		ChainID:        "tenant-7",
		SequenceNumber: 1001,
		RecordHash:     strings.Repeat("5f", 32),
		AnchoredAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	payload, err := cp.Payload()
	if err != nil {
		t.Fatalf("Payload: %v", err)
	}

	got, err := ParsePayload(payload)
	if err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	if got != cp {
		t.Errorf("round trip = %+v, want %+v", got, cp)
	}
}

func TestParsePayload_Garbage(t *testing.T) {
	if _, err := ParsePayload([]byte("not json")); err == nil {
		t.Error("ParsePayload should reject malformed input")
	}
}

// ---------------------------------------------------------------------------
// Sink factory
// ---------------------------------------------------------------------------

type fakeSink struct{}

func (fakeSink) Name() string { return "fake" }
func (fakeSink) Put(ctx context.Context, key string, payload []byte) (string, error) {
	return "fake://" + key, nil
}
func (fakeSink) Exists(ctx context.Context, key string) (bool, error) { return false, nil }

func TestNewSink_DispatchesToRegisteredFactory(t *testing.T) {
	Register("fake", func(cfg *config.Config) (Sink, error) {
		return fakeSink{}, nil
	})
	t.Cleanup(func() { delete(factories, "fake") })

	cfg := &config.Config{}
	cfg.Anchor.Sink = "fake"

	sink, err := NewSink(cfg)
	if err != nil {
		t.Fatalf("NewSink: %v", err)
	}
	if sink.Name() != "fake" {
		t.Errorf("sink.Name() = %q, want fake", sink.Name())
	}
}

func TestNewSink_UnknownSink(t *testing.T) {
	cfg := &config.Config{}
	cfg.Anchor.Sink = "carrier-pigeon"

	if _, err := NewSink(cfg); err == nil {
		t.Error("NewSink should fail for an unregistered sink")
	}
}
