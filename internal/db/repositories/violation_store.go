// violation_store.go implements the violation Store on PostgreSQL using
// sqlx. Status updates are conditional on the expected current status, which
// is the optimistic-concurrency guard behind the lifecycle engine. Evidence
// links live in their own table and are only ever inserted.
package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/tradeforge/compliance-backend/internal/violation"
)

// ViolationStore handles compliance violation persistence.
type ViolationStore struct {
	db *sqlx.DB
}

// NewViolationStore creates a PostgreSQL-backed violation store.
func NewViolationStore(db *sqlx.DB) *ViolationStore {
	return &ViolationStore{db: db}
}

// Create inserts the violation and its initial evidence links in one
// transaction.
func (s *ViolationStore) Create(ctx context.Context, v *violation.Violation) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO compliance_violations (
			id, title, description, violation_type, severity, impact_level,
			status, affected_records, assigned_to, detected_at, updated_at,
			resolved_at, resolution_summary
		) VALUES (
			:id, :title, :description, :violation_type, :severity, :impact_level,
			:status, :affected_records, :assigned_to, :detected_at, :updated_at,
			:resolved_at, :resolution_summary
		)
	`, v)
	if err != nil {
		return fmt.Errorf("failed to create violation: %w", err)
	}

	if err := insertEvidence(ctx, tx, v.ID, v.EvidenceRecordIDs); err != nil {
		return err
	}
	return tx.Commit()
}

// GetByID returns the violation with its evidence ids, or ErrNotFound.
func (s *ViolationStore) GetByID(ctx context.Context, id string) (*violation.Violation, error) {
	v := &violation.Violation{}
	err := s.db.GetContext(ctx, v, `
		SELECT id, title, description, violation_type, severity, impact_level,
		       status, affected_records, assigned_to, detected_at, updated_at,
		       resolved_at, resolution_summary
		FROM compliance_violations
		WHERE id = $1
	`, id)
	if err == sql.ErrNoRows {
		return nil, violation.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read violation: %w", err)
	}

	if err := s.db.SelectContext(ctx, &v.EvidenceRecordIDs, `
		SELECT record_id FROM violation_evidence
		WHERE violation_id = $1
		ORDER BY linked_at ASC
	`, id); err != nil {
		return nil, fmt.Errorf("failed to read violation evidence: %w", err)
	}
	return v, nil
}

// UpdateIfStatus writes the violation's mutable fields if and only if the
// stored status still equals expectedStatus. New evidence ids are inserted;
// existing links are left untouched.
func (s *ViolationStore) UpdateIfStatus(ctx context.Context, v *violation.Violation, expectedStatus violation.Status) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE compliance_violations
		SET severity = $1, status = $2, assigned_to = $3, updated_at = $4,
		    resolved_at = $5, resolution_summary = $6
		WHERE id = $7 AND status = $8
	`,
		v.Severity, v.Status, v.AssignedTo, v.UpdatedAt,
		v.ResolvedAt, v.ResolutionSummary, v.ID, expectedStatus,
	)
	if err != nil {
		return fmt.Errorf("failed to update violation: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if n == 0 {
		// Either the violation is gone or the status guard failed; one more
		// read tells them apart.
		var current string
		err := tx.GetContext(ctx, &current, `SELECT status FROM compliance_violations WHERE id = $1`, v.ID)
		if err == sql.ErrNoRows {
			return violation.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read violation status: %w", err)
		}
		return violation.ErrConcurrentModification
	}

	if err := insertEvidence(ctx, tx, v.ID, v.EvidenceRecordIDs); err != nil {
		return err
	}
	return tx.Commit()
}

// List returns filtered violations ordered by detection time descending,
// plus the total count.
func (s *ViolationStore) List(ctx context.Context, filters violation.ListFilters, limit, offset int) ([]*violation.Violation, int, error) {
	countQuery := `SELECT COUNT(*) FROM compliance_violations WHERE 1=1`
	query := `
		SELECT id, title, description, violation_type, severity, impact_level,
		       status, affected_records, assigned_to, detected_at, updated_at,
		       resolved_at, resolution_summary
		FROM compliance_violations
		WHERE 1=1`

	args := make([]interface{}, 0)
	paramIndex := 1

	if filters.Status != nil {
		countQuery += fmt.Sprintf(` AND status = $%d`, paramIndex)
		query += fmt.Sprintf(` AND status = $%d`, paramIndex)
		args = append(args, *filters.Status)
		paramIndex++
	}
	if filters.Severity != nil {
		countQuery += fmt.Sprintf(` AND severity = $%d`, paramIndex)
		query += fmt.Sprintf(` AND severity = $%d`, paramIndex)
		args = append(args, *filters.Severity)
		paramIndex++
	}
	if filters.ViolationType != nil {
		countQuery += fmt.Sprintf(` AND violation_type = $%d`, paramIndex)
		query += fmt.Sprintf(` AND violation_type = $%d`, paramIndex)
		args = append(args, *filters.ViolationType)
		paramIndex++
	}
	if filters.AssignedTo != nil {
		countQuery += fmt.Sprintf(` AND assigned_to = $%d`, paramIndex)
		query += fmt.Sprintf(` AND assigned_to = $%d`, paramIndex)
		args = append(args, *filters.AssignedTo)
		paramIndex++
	}

	var total int
	if err := s.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count violations: %w", err)
	}

	query += fmt.Sprintf(` ORDER BY detected_at DESC LIMIT $%d OFFSET $%d`, paramIndex, paramIndex+1)
	args = append(args, limit, offset)

	violations := make([]*violation.Violation, 0)
	if err := s.db.SelectContext(ctx, &violations, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list violations: %w", err)
	}
	return violations, total, nil
}

// insertEvidence links record ids to a violation, skipping ones already
// linked.
func insertEvidence(ctx context.Context, tx *sqlx.Tx, violationID string, recordIDs []string) error {
	for _, recordID := range recordIDs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO violation_evidence (violation_id, record_id)
			VALUES ($1, $2)
			ON CONFLICT (violation_id, record_id) DO NOTHING
		`, violationID, recordID)
		if err != nil {
			return fmt.Errorf("failed to link evidence %s: %w", recordID, err)
		}
	}
	return nil
}
