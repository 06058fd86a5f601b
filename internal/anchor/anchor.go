// Package anchor periodically copies the chain tail hash to storage outside
// the audit database. A hash walk alone cannot detect an attacker who rewrites
// a whole chain suffix self-consistently; an externally held checkpoint pins
// the hash the chain had at a known sequence number, so any later rewrite of
// history up to that point disagrees with the anchored copy.
//
// Sinks are pluggable. A new sink registers itself with the factory via an
// init() function in its own package, and cmd/server/main.go imports each sink
// with a blank import to trigger registration.
package anchor

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tradeforge/compliance-backend/internal/audit"
)

// Checkpoint pins a chain's tail hash at a point in time.
type Checkpoint struct {
	ChainID        string    `json:"chain_id"`
	SequenceNumber uint64    `json:"sequence_number"`
	RecordHash     string    `json:"record_hash"`
	AnchoredAt     time.Time `json:"anchored_at"`
}

// FromTail builds a checkpoint for the given tail record.
func FromTail(tail *audit.AuditRecord, now time.Time) Checkpoint {
	return Checkpoint{
		ChainID:        tail.ChainID,
		SequenceNumber: tail.SequenceNumber,
		RecordHash:     tail.RecordHash,
		AnchoredAt:     now.UTC(),
	}
}

// Key returns the sink object key for the checkpoint. Sequence numbers are
// zero-padded so lexical listing order matches chain order.
func (c Checkpoint) Key() string {
	return fmt.Sprintf("%s/%020d.json", c.ChainID, c.SequenceNumber)
}

// Payload returns the canonical JSON representation written to sinks.
func (c Checkpoint) Payload() ([]byte, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return b, nil
}

// ParsePayload decodes a checkpoint previously written by Payload.
func ParsePayload(data []byte) (Checkpoint, error) {
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return Checkpoint{}, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return c, nil
}
