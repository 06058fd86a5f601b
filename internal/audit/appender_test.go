package audit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tradeforge/compliance-backend/internal/audit"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

var testClock = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func appendEvent(t *testing.T, a *audit.Appender, ev *audit.RawEvent) *audit.AuditRecord {
	t.Helper()
	rec, err := a.Append(context.Background(), ev, audit.Classification{
		RiskLevel: audit.RiskMedium,
		Tags:      []string{"admin"},
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	return rec
}

func adminEvent(title string) *audit.RawEvent {
	return &audit.RawEvent{
		EventType:   audit.EventAdminAction,
		Category:    "seller_management",
		Title:       title,
		Description: "seller account suspended pending review",
		ActorID:     "admin-1",
		ActorType:   "admin",
		TargetType:  "seller",
		TargetID:    "seller-42",
		Metadata:    map[string]any{"reason": "chargeback spike"},
	}
}

// ---------------------------------------------------------------------------
// Chain construction
// ---------------------------------------------------------------------------

func TestAppend_FirstRecordLinksToGenesis(t *testing.T) {
	a := audit.NewAppender(audit.NewMemoryChainStore(), audit.WithClock(fixedClock(testClock)))

	rec := appendEvent(t, a, adminEvent("suspend seller"))
	if rec.SequenceNumber != 1 {
		t.Errorf("SequenceNumber = %d, want 1", rec.SequenceNumber)
	}
	if rec.PreviousHash != audit.GenesisHash {
		t.Errorf("PreviousHash = %s, want genesis", rec.PreviousHash)
	}
	if rec.ChainID != audit.DefaultChainID {
		t.Errorf("ChainID = %s, want %s", rec.ChainID, audit.DefaultChainID)
	}
	if len(rec.RecordHash) != 64 {
		t.Errorf("RecordHash = %q, want 64 hex chars", rec.RecordHash)
	}
}

func TestAppend_SuccessorLinksToPredecessor(t *testing.T) {
	a := audit.NewAppender(audit.NewMemoryChainStore(), audit.WithClock(fixedClock(testClock)))

	first := appendEvent(t, a, adminEvent("suspend seller"))
	second := appendEvent(t, a, adminEvent("reinstate seller"))

	if second.SequenceNumber != 2 {
		t.Errorf("SequenceNumber = %d, want 2", second.SequenceNumber)
	}
	if second.PreviousHash != first.RecordHash {
		t.Errorf("PreviousHash = %s, want predecessor hash %s", second.PreviousHash, first.RecordHash)
	}
	if second.RecordHash == first.RecordHash {
		t.Error("distinct records produced identical hashes")
	}
}

func TestAppend_HashIsReproducible(t *testing.T) {
	a := audit.NewAppender(audit.NewMemoryChainStore(), audit.WithClock(fixedClock(testClock)))
	rec := appendEvent(t, a, adminEvent("suspend seller"))

	recomputed, err := audit.ComputeRecordHash(rec, rec.PreviousHash)
	if err != nil {
		t.Fatalf("ComputeRecordHash: %v", err)
	}
	if recomputed != rec.RecordHash {
		t.Errorf("recomputed = %s, stored = %s", recomputed, rec.RecordHash)
	}
}

func TestAppend_RecordIDExcludedFromHash(t *testing.T) {
	a := audit.NewAppender(audit.NewMemoryChainStore(), audit.WithClock(fixedClock(testClock)))
	rec := appendEvent(t, a, adminEvent("suspend seller"))

	// Record ids are random; the hash must not depend on them, or two
	// replicas could never agree on a recomputation.
	altered := *rec
	altered.ID = "different-id"
	recomputed, err := audit.ComputeRecordHash(&altered, altered.PreviousHash)
	if err != nil {
		t.Fatalf("ComputeRecordHash: %v", err)
	}
	if recomputed != rec.RecordHash {
		t.Error("hash changed when only the record id changed")
	}
}

func TestAppend_TagOrderDoesNotAffectHash(t *testing.T) {
	base := &audit.AuditRecord{
		ChainID:        audit.DefaultChainID,
		SequenceNumber: 1,
		EventType:      audit.EventAdminAction,
		Category:       "seller_management",
		Title:          "t",
		ActorID:        "admin-1",
		ActorType:      "admin",
		RiskLevel:      audit.RiskMedium,
		ComplianceTags: []string{"SOX", "GDPR"},
		CreatedAt:      testClock,
	}
	reversed := *base
	reversed.ComplianceTags = []string{"GDPR", "SOX"}

	h1, err := audit.ComputeRecordHash(base, audit.GenesisHash)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := audit.ComputeRecordHash(&reversed, audit.GenesisHash)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Error("hash depends on tag order")
	}
}

func TestAppend_HashIgnoresSubMicrosecondTime(t *testing.T) {
	base := &audit.AuditRecord{
		ChainID:        audit.DefaultChainID,
		SequenceNumber: 1,
		EventType:      audit.EventAdminAction,
		Category:       "seller_management",
		Title:          "t",
		ActorID:        "admin-1",
		ActorType:      "admin",
		RiskLevel:      audit.RiskMedium,
		CreatedAt:      testClock.Add(123456789 * time.Nanosecond),
	}
	truncated := *base
	truncated.CreatedAt = base.CreatedAt.Truncate(time.Microsecond)

	h1, err := audit.ComputeRecordHash(base, audit.GenesisHash)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := audit.ComputeRecordHash(&truncated, audit.GenesisHash)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Error("hash depends on sub-microsecond timestamp digits the store cannot hold")
	}
}

func TestAppend_ChainsAreIndependent(t *testing.T) {
	a := audit.NewAppender(audit.NewMemoryChainStore(), audit.WithClock(fixedClock(testClock)))

	evA := adminEvent("tenant a action")
	evA.ChainID = "tenant-a"
	evB := adminEvent("tenant b action")
	evB.ChainID = "tenant-b"

	recA := appendEvent(t, a, evA)
	recB := appendEvent(t, a, evB)

	if recA.SequenceNumber != 1 || recB.SequenceNumber != 1 {
		t.Errorf("sequences = %d, %d, want independent numbering from 1", recA.SequenceNumber, recB.SequenceNumber)
	}
	if recA.PreviousHash != audit.GenesisHash || recB.PreviousHash != audit.GenesisHash {
		t.Error("both chains must start from genesis")
	}
}

func TestAppend_RejectsUnknownEventType(t *testing.T) {
	a := audit.NewAppender(audit.NewMemoryChainStore())

	_, err := a.Append(context.Background(), &audit.RawEvent{EventType: "weird"}, audit.Classification{RiskLevel: audit.RiskLow})
	if !errors.Is(err, audit.ErrChainStorage) {
		t.Errorf("err = %v, want ErrChainStorage", err)
	}
}

// ---------------------------------------------------------------------------
// Conflict retry
// ---------------------------------------------------------------------------

// contendedStore wears an append conflict for the first n attempts, which is
// what a lost race against another process instance looks like.
type contendedStore struct {
	audit.ChainStore
	remaining int
}

func (s *contendedStore) AppendIfTailMatches(ctx context.Context, rec *audit.AuditRecord, expectedTailSeq uint64) error {
	if s.remaining > 0 {
		s.remaining--
		return audit.ErrChainWriteConflict
	}
	return s.ChainStore.AppendIfTailMatches(ctx, rec, expectedTailSeq)
}

func TestAppend_RetriesLostRace(t *testing.T) {
	store := &contendedStore{ChainStore: audit.NewMemoryChainStore(), remaining: 2}
	a := audit.NewAppender(store, audit.WithMaxRetries(3))

	rec := appendEvent(t, a, adminEvent("suspend seller"))
	if rec.SequenceNumber != 1 {
		t.Errorf("SequenceNumber = %d, want 1", rec.SequenceNumber)
	}
}

func TestAppend_GivesUpAfterMaxRetries(t *testing.T) {
	store := &contendedStore{ChainStore: audit.NewMemoryChainStore(), remaining: 10}
	a := audit.NewAppender(store, audit.WithMaxRetries(3))

	_, err := a.Append(context.Background(), adminEvent("suspend seller"), audit.Classification{RiskLevel: audit.RiskLow})
	if !errors.Is(err, audit.ErrChainWriteConflict) {
		t.Errorf("err = %v, want ErrChainWriteConflict", err)
	}
	if store.remaining != 7 {
		t.Errorf("attempts made = %d, want 3", 10-store.remaining)
	}
}

func TestAppend_CancelledContext(t *testing.T) {
	a := audit.NewAppender(audit.NewMemoryChainStore())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Append(ctx, adminEvent("suspend seller"), audit.Classification{RiskLevel: audit.RiskLow})
	if !errors.Is(err, audit.ErrChainStorage) {
		t.Errorf("err = %v, want ErrChainStorage", err)
	}
}
