package repositories

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/tradeforge/compliance-backend/internal/audit"
)

// ---------------------------------------------------------------------------
// Column definitions
// ---------------------------------------------------------------------------

var auditCols = []string{
	"id", "chain_id", "sequence_number", "event_type", "category", "title",
	"description", "actor_id", "actor_type", "target_type", "target_id",
	"risk_level", "compliance_tags", "metadata", "created_at",
	"previous_hash", "record_hash",
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newChainStore(t *testing.T) (*ChainStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewChainStore(db), mock
}

func sampleRecord(seq uint64) *audit.AuditRecord {
	return &audit.AuditRecord{
		ID:             "rec-1",
		ChainID:        audit.DefaultChainID,
		SequenceNumber: seq,
		EventType:      audit.EventAdminAction,
		Category:       "seller_management",
		Title:          "suspend seller",
		ActorID:        "admin-1",
		ActorType:      "admin",
		RiskLevel:      audit.RiskMedium,
		ComplianceTags: []string{"admin"},
		Metadata:       map[string]any{"reason": "chargeback spike"},
		CreatedAt:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		PreviousHash:   audit.GenesisHash,
		RecordHash:     "ab12",
	}
}

func sampleRecordRow(seq uint64) *sqlmock.Rows {
	return sqlmock.NewRows(auditCols).AddRow(
		"rec-1", audit.DefaultChainID, seq, "admin_action", "seller_management",
		"suspend seller", "", "admin-1", "admin", "", "", "medium",
		[]byte(`{admin}`), []byte(`{"reason":"chargeback spike"}`),
		time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		audit.GenesisHash, "ab12",
	)
}

// ---------------------------------------------------------------------------
// AppendIfTailMatches
// ---------------------------------------------------------------------------

func TestAppendIfTailMatches_Success(t *testing.T) {
	store, mock := newChainStore(t)
	mock.ExpectExec("INSERT INTO audit_records").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.AppendIfTailMatches(context.Background(), sampleRecord(1), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAppendIfTailMatches_TailMoved(t *testing.T) {
	store, mock := newChainStore(t)
	mock.ExpectExec("INSERT INTO audit_records").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.AppendIfTailMatches(context.Background(), sampleRecord(2), 1)
	if !errors.Is(err, audit.ErrChainWriteConflict) {
		t.Errorf("err = %v, want ErrChainWriteConflict", err)
	}
}

func TestAppendIfTailMatches_UniqueViolation(t *testing.T) {
	store, mock := newChainStore(t)
	mock.ExpectExec("INSERT INTO audit_records").
		WillReturnError(&pq.Error{Code: "23505"})

	err := store.AppendIfTailMatches(context.Background(), sampleRecord(2), 1)
	if !errors.Is(err, audit.ErrChainWriteConflict) {
		t.Errorf("err = %v, want ErrChainWriteConflict", err)
	}
}

func TestAppendIfTailMatches_OtherDBError(t *testing.T) {
	store, mock := newChainStore(t)
	mock.ExpectExec("INSERT INTO audit_records").
		WillReturnError(errors.New("connection reset"))

	err := store.AppendIfTailMatches(context.Background(), sampleRecord(1), 0)
	if err == nil || errors.Is(err, audit.ErrChainWriteConflict) {
		t.Errorf("err = %v, want plain storage error", err)
	}
}

// ---------------------------------------------------------------------------
// GetTail / GetByID
// ---------------------------------------------------------------------------

func TestGetTail_EmptyChain(t *testing.T) {
	store, mock := newChainStore(t)
	mock.ExpectQuery("SELECT(.|\n)*FROM audit_records").
		WillReturnError(sql.ErrNoRows)

	tail, err := store.GetTail(context.Background(), audit.DefaultChainID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tail != nil {
		t.Errorf("tail = %+v, want nil", tail)
	}
}

func TestGetTail_ReturnsNewest(t *testing.T) {
	store, mock := newChainStore(t)
	mock.ExpectQuery("SELECT(.|\n)*FROM audit_records").
		WillReturnRows(sampleRecordRow(7))

	tail, err := store.GetTail(context.Background(), audit.DefaultChainID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tail.SequenceNumber != 7 {
		t.Errorf("SequenceNumber = %d, want 7", tail.SequenceNumber)
	}
	if len(tail.ComplianceTags) != 1 || tail.ComplianceTags[0] != "admin" {
		t.Errorf("ComplianceTags = %v", tail.ComplianceTags)
	}
	if tail.Metadata["reason"] != "chargeback spike" {
		t.Errorf("Metadata = %v", tail.Metadata)
	}
}

func TestGetByID_NotFound(t *testing.T) {
	store, mock := newChainStore(t)
	mock.ExpectQuery("SELECT(.|\n)*FROM audit_records").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetByID(context.Background(), "missing")
	if !errors.Is(err, audit.ErrRecordNotFound) {
		t.Errorf("err = %v, want ErrRecordNotFound", err)
	}
}

// ---------------------------------------------------------------------------
// GetRange / SeqBounds / List
// ---------------------------------------------------------------------------

func TestGetRange_AscendingOrder(t *testing.T) {
	store, mock := newChainStore(t)
	rows := sqlmock.NewRows(auditCols).
		AddRow("rec-1", audit.DefaultChainID, 2, "admin_action", "c", "t", "", "a", "admin",
			"", "", "medium", []byte(`{}`), nil, time.Now(), audit.GenesisHash, "h2").
		AddRow("rec-2", audit.DefaultChainID, 3, "admin_action", "c", "t", "", "a", "admin",
			"", "", "medium", []byte(`{}`), nil, time.Now(), "h2", "h3")
	mock.ExpectQuery("SELECT(.|\n)*BETWEEN").
		WillReturnRows(rows)

	records, err := store.GetRange(context.Background(), audit.DefaultChainID, 2, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 2 || records[0].SequenceNumber != 2 || records[1].SequenceNumber != 3 {
		t.Errorf("got %d records, want [2 3]", len(records))
	}
}

func TestSeqBounds_NoRecordsInWindow(t *testing.T) {
	store, mock := newChainStore(t)
	mock.ExpectQuery("SELECT MIN").
		WillReturnRows(sqlmock.NewRows([]string{"min", "max"}).AddRow(nil, nil))

	_, _, ok, err := store.SeqBounds(context.Background(), audit.DefaultChainID,
		time.Now().Add(-time.Hour), time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("ok = true for empty window")
	}
}

func TestSeqBounds_ResolvesWindow(t *testing.T) {
	store, mock := newChainStore(t)
	mock.ExpectQuery("SELECT MIN").
		WillReturnRows(sqlmock.NewRows([]string{"min", "max"}).AddRow(3, 9))

	from, to, ok, err := store.SeqBounds(context.Background(), audit.DefaultChainID,
		time.Now().Add(-time.Hour), time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || from != 3 || to != 9 {
		t.Errorf("bounds = [%d,%d] ok=%v, want [3,9] true", from, to, ok)
	}
}

func TestList_WithFilters(t *testing.T) {
	store, mock := newChainStore(t)
	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("SELECT(.|\n)*FROM audit_records").
		WillReturnRows(sampleRecordRow(1))

	risk := audit.RiskMedium
	records, total, err := store.List(context.Background(), audit.ListFilters{RiskLevel: &risk}, 50, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 1 || len(records) != 1 {
		t.Errorf("total = %d, len = %d, want 1/1", total, len(records))
	}
}
