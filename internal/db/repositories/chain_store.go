// chain_store.go implements the audit ChainStore on PostgreSQL. The append
// is a conditional INSERT guarded by the chain's current maximum sequence
// number; a lost race shows up either as zero rows inserted or as a unique
// violation on (chain_id, sequence_number), and both map to
// ErrChainWriteConflict so the appender retries.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/tradeforge/compliance-backend/internal/audit"
)

// ChainStore handles audit record persistence.
type ChainStore struct {
	db *sql.DB
}

// NewChainStore creates a PostgreSQL-backed chain store.
func NewChainStore(db *sql.DB) *ChainStore {
	return &ChainStore{db: db}
}

const auditRecordColumns = `
	id, chain_id, sequence_number, event_type, category, title, description,
	actor_id, actor_type, target_type, target_id, risk_level, compliance_tags,
	metadata, created_at, previous_hash, record_hash`

// AppendIfTailMatches inserts the record if and only if the chain's tail is
// still at expectedTailSeq.
func (s *ChainStore) AppendIfTailMatches(ctx context.Context, rec *audit.AuditRecord, expectedTailSeq uint64) error {
	var metadataJSON []byte
	var err error
	if rec.Metadata != nil {
		metadataJSON, err = json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	query := `
		INSERT INTO audit_records (` + auditRecordColumns + `)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17
		WHERE (SELECT COALESCE(MAX(sequence_number), 0) FROM audit_records WHERE chain_id = $2) = $18
	`

	res, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.ChainID,
		rec.SequenceNumber,
		rec.EventType,
		rec.Category,
		rec.Title,
		rec.Description,
		rec.ActorID,
		rec.ActorType,
		rec.TargetType,
		rec.TargetID,
		rec.RiskLevel,
		pq.Array(rec.ComplianceTags),
		metadataJSON,
		rec.CreatedAt,
		rec.PreviousHash,
		rec.RecordHash,
		expectedTailSeq,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return audit.ErrChainWriteConflict
		}
		return fmt.Errorf("failed to append audit record: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read append result: %w", err)
	}
	if n == 0 {
		return audit.ErrChainWriteConflict
	}
	return nil
}

// GetTail returns the chain's newest record, or nil when the chain is empty.
func (s *ChainStore) GetTail(ctx context.Context, chainID string) (*audit.AuditRecord, error) {
	query := `
		SELECT ` + auditRecordColumns + `
		FROM audit_records
		WHERE chain_id = $1
		ORDER BY sequence_number DESC
		LIMIT 1
	`

	rec, err := scanAuditRecord(s.db.QueryRowContext(ctx, query, chainID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read chain tail: %w", err)
	}
	return rec, nil
}

// GetRange returns records in [fromSeq, toSeq], ascending by sequence.
func (s *ChainStore) GetRange(ctx context.Context, chainID string, fromSeq, toSeq uint64) ([]*audit.AuditRecord, error) {
	query := `
		SELECT ` + auditRecordColumns + `
		FROM audit_records
		WHERE chain_id = $1 AND sequence_number BETWEEN $2 AND $3
		ORDER BY sequence_number ASC
	`

	rows, err := s.db.QueryContext(ctx, query, chainID, fromSeq, toSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain range: %w", err)
	}
	defer rows.Close()

	var records []*audit.AuditRecord
	for rows.Next() {
		rec, err := scanAuditRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GetByID returns the record with the given id, or ErrRecordNotFound.
func (s *ChainStore) GetByID(ctx context.Context, id string) (*audit.AuditRecord, error) {
	query := `
		SELECT ` + auditRecordColumns + `
		FROM audit_records
		WHERE id = $1
	`

	rec, err := scanAuditRecord(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, audit.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read audit record: %w", err)
	}
	return rec, nil
}

// SeqBounds resolves a timestamp window to the enclosing sequence numbers.
func (s *ChainStore) SeqBounds(ctx context.Context, chainID string, from, to time.Time) (uint64, uint64, bool, error) {
	query := `SELECT MIN(sequence_number), MAX(sequence_number) FROM audit_records WHERE chain_id = $1`
	args := []interface{}{chainID}
	paramIndex := 2

	if !from.IsZero() {
		query += fmt.Sprintf(` AND created_at >= $%d`, paramIndex)
		args = append(args, from)
		paramIndex++
	}
	if !to.IsZero() {
		query += fmt.Sprintf(` AND created_at <= $%d`, paramIndex)
		args = append(args, to)
	}

	var fromSeq, toSeq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&fromSeq, &toSeq); err != nil {
		return 0, 0, false, fmt.Errorf("failed to resolve sequence bounds: %w", err)
	}
	if !fromSeq.Valid || !toSeq.Valid {
		return 0, 0, false, nil
	}
	return uint64(fromSeq.Int64), uint64(toSeq.Int64), true, nil
}

// List returns filtered records for the query facade, newest first, plus the
// total count.
func (s *ChainStore) List(ctx context.Context, filters audit.ListFilters, limit, offset int) ([]*audit.AuditRecord, int, error) {
	chainID := filters.ChainID
	if chainID == "" {
		chainID = audit.DefaultChainID
	}

	countQuery := `SELECT COUNT(*) FROM audit_records WHERE chain_id = $1`
	query := `
		SELECT ` + auditRecordColumns + `
		FROM audit_records
		WHERE chain_id = $1`

	args := []interface{}{chainID}
	paramIndex := 2

	if filters.EventType != nil {
		countQuery += fmt.Sprintf(` AND event_type = $%d`, paramIndex)
		query += fmt.Sprintf(` AND event_type = $%d`, paramIndex)
		args = append(args, *filters.EventType)
		paramIndex++
	}
	if filters.Category != nil {
		countQuery += fmt.Sprintf(` AND category = $%d`, paramIndex)
		query += fmt.Sprintf(` AND category = $%d`, paramIndex)
		args = append(args, *filters.Category)
		paramIndex++
	}
	if filters.ActorID != nil {
		countQuery += fmt.Sprintf(` AND actor_id = $%d`, paramIndex)
		query += fmt.Sprintf(` AND actor_id = $%d`, paramIndex)
		args = append(args, *filters.ActorID)
		paramIndex++
	}
	if filters.RiskLevel != nil {
		countQuery += fmt.Sprintf(` AND risk_level = $%d`, paramIndex)
		query += fmt.Sprintf(` AND risk_level = $%d`, paramIndex)
		args = append(args, *filters.RiskLevel)
		paramIndex++
	}
	if filters.StartDate != nil {
		countQuery += fmt.Sprintf(` AND created_at >= $%d`, paramIndex)
		query += fmt.Sprintf(` AND created_at >= $%d`, paramIndex)
		args = append(args, *filters.StartDate)
		paramIndex++
	}
	if filters.EndDate != nil {
		countQuery += fmt.Sprintf(` AND created_at <= $%d`, paramIndex)
		query += fmt.Sprintf(` AND created_at <= $%d`, paramIndex)
		args = append(args, *filters.EndDate)
		paramIndex++
	}

	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit records: %w", err)
	}

	query += fmt.Sprintf(` ORDER BY sequence_number DESC LIMIT $%d OFFSET $%d`, paramIndex, paramIndex+1)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list audit records: %w", err)
	}
	defer rows.Close()

	records := make([]*audit.AuditRecord, 0)
	for rows.Next() {
		rec, err := scanAuditRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan audit record: %w", err)
		}
		records = append(records, rec)
	}
	return records, total, rows.Err()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAuditRecord(row rowScanner) (*audit.AuditRecord, error) {
	rec := &audit.AuditRecord{}
	var metadataJSON []byte

	err := row.Scan(
		&rec.ID,
		&rec.ChainID,
		&rec.SequenceNumber,
		&rec.EventType,
		&rec.Category,
		&rec.Title,
		&rec.Description,
		&rec.ActorID,
		&rec.ActorType,
		&rec.TargetType,
		&rec.TargetID,
		&rec.RiskLevel,
		pq.Array(&rec.ComplianceTags),
		&metadataJSON,
		&rec.CreatedAt,
		&rec.PreviousHash,
		&rec.RecordHash,
	)
	if err != nil {
		return nil, err
	}

	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return rec, nil
}
