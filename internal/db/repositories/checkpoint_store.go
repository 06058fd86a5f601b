// checkpoint_store.go persists the record of which checkpoints have been
// anchored where. The authoritative copy of a checkpoint lives in its sink;
// this table only tracks what was anchored so the anchor job can skip chains
// whose tail has not moved and operators can locate checkpoints for audits.
package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AnchoredCheckpoint is one row in chain_checkpoints.
type AnchoredCheckpoint struct {
	ID             string    `json:"id"`
	ChainID        string    `json:"chain_id"`
	SequenceNumber uint64    `json:"sequence_number"`
	RecordHash     string    `json:"record_hash"`
	Sink           string    `json:"sink"`
	Location       string    `json:"location"`
	Signed         bool      `json:"signed"`
	AnchoredAt     time.Time `json:"anchored_at"`
}

// CheckpointStore reads and writes the chain_checkpoints table.
type CheckpointStore struct {
	db *sql.DB
}

// NewCheckpointStore creates a checkpoint store backed by the given database.
func NewCheckpointStore(db *sql.DB) *CheckpointStore {
	return &CheckpointStore{db: db}
}

// Insert records an anchored checkpoint. The unique constraint on
// (chain_id, sequence_number, sink) rejects double-anchoring of the same tail.
func (s *CheckpointStore) Insert(ctx context.Context, cp *AnchoredCheckpoint) error {
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}

	query := `
		INSERT INTO chain_checkpoints (id, chain_id, sequence_number, record_hash, sink, location, signed, anchored_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.db.ExecContext(ctx, query,
		cp.ID, cp.ChainID, cp.SequenceNumber, cp.RecordHash,
		cp.Sink, cp.Location, cp.Signed, cp.AnchoredAt)
	if err != nil {
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}

	return nil
}

// Latest returns the most recently anchored checkpoint for a chain and sink,
// or nil when the chain has never been anchored there.
func (s *CheckpointStore) Latest(ctx context.Context, chainID, sink string) (*AnchoredCheckpoint, error) {
	query := `
		SELECT id, chain_id, sequence_number, record_hash, sink, location, signed, anchored_at
		FROM chain_checkpoints
		WHERE chain_id = $1 AND sink = $2
		ORDER BY sequence_number DESC
		LIMIT 1`

	cp := &AnchoredCheckpoint{}
	err := s.db.QueryRowContext(ctx, query, chainID, sink).Scan(
		&cp.ID, &cp.ChainID, &cp.SequenceNumber, &cp.RecordHash,
		&cp.Sink, &cp.Location, &cp.Signed, &cp.AnchoredAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest checkpoint: %w", err)
	}

	return cp, nil
}

// ListByChain returns anchored checkpoints for a chain, newest first.
func (s *CheckpointStore) ListByChain(ctx context.Context, chainID string, limit int) ([]*AnchoredCheckpoint, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, chain_id, sequence_number, record_hash, sink, location, signed, anchored_at
		FROM chain_checkpoints
		WHERE chain_id = $1
		ORDER BY anchored_at DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, chainID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var checkpoints []*AnchoredCheckpoint
	for rows.Next() {
		cp := &AnchoredCheckpoint{}
		if err := rows.Scan(
			&cp.ID, &cp.ChainID, &cp.SequenceNumber, &cp.RecordHash,
			&cp.Sink, &cp.Location, &cp.Signed, &cp.AnchoredAt); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		checkpoints = append(checkpoints, cp)
	}

	return checkpoints, rows.Err()
}
