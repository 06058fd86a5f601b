// Package audit implements the platform's tamper-evident compliance audit
// trail: a hash-chained, sequence-ordered log of sensitive events together
// with the classifier that assigns risk to incoming events, the appender that
// extends the chain, and the verifier that detects insertion, deletion,
// reordering, or mutation of historical records.
//
// Audit records are intentionally separate from application logs — application
// logs are ephemeral debug output, while audit records are immutable evidence
// consumed by compliance teams and subject to multi-year retention. Nothing in
// this package ever updates or deletes a written record.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// EventType categorizes the origin of an audited event.
type EventType string

const (
	EventAdminAction      EventType = "admin_action"
	EventSystemEvent      EventType = "system_event"
	EventSecurityEvent    EventType = "security_event"
	EventComplianceEvent  EventType = "compliance_event"
	EventDataModification EventType = "data_modification"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventAdminAction, EventSystemEvent, EventSecurityEvent,
		EventComplianceEvent, EventDataModification:
		return true
	}
	return false
}

// RiskLevel is the classifier-assigned risk of an audit record.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

var riskRank = map[RiskLevel]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// Valid reports whether l is one of the known risk levels.
func (l RiskLevel) Valid() bool {
	_, ok := riskRank[l]
	return ok
}

// Escalate returns the risk level n steps above l, capped at critical.
func (l RiskLevel) Escalate(n int) RiskLevel {
	rank := riskRank[l] + n
	if rank >= riskRank[RiskCritical] {
		return RiskCritical
	}
	for level, r := range riskRank {
		if r == rank {
			return level
		}
	}
	return l
}

// AtLeast returns the higher of l and floor.
func (l RiskLevel) AtLeast(floor RiskLevel) RiskLevel {
	if riskRank[l] < riskRank[floor] {
		return floor
	}
	return l
}

// DefaultChainID is the chain used when the caller does not shard by tenant.
// Each chain is an independent hash chain with its own sequence numbering;
// cross-chain ordering is neither guaranteed nor required.
const DefaultChainID = "platform"

// GenesisHash is the fixed previous-hash constant for sequence 1 of every chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// hashVersion is the canonical-serialization version prefix baked into every
// record hash. Bump it only together with a migration plan: changing the
// canonical encoding invalidates verification of existing chains.
//
// v2 replaced the pipe-delimited v1 encoding with a JSON array, so field
// boundaries survive arbitrary field content, and pinned the timestamp to
// microsecond precision, the finest resolution TIMESTAMPTZ preserves.
const hashVersion = "v2"

// canonicalTimeLayout renders creation times in UTC at a fixed six digits of
// sub-second precision so the same instant always serializes identically.
const canonicalTimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// RawEvent is the input submitted by the platform when a sensitive action
// occurs. Sequence number, timestamps, risk, and hashes are assigned by the
// classifier and appender, never by the caller.
type RawEvent struct {
	ChainID     string         `json:"chain_id,omitempty"`
	EventType   EventType      `json:"event_type"`
	Category    string         `json:"category"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	ActorID     string         `json:"actor_id"`
	ActorType   string         `json:"actor_type"`
	TargetType  string         `json:"target_type,omitempty"`
	TargetID    string         `json:"target_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	// RecentFailures is the caller-supplied count of matching failures seen in
	// the short observation window (see FailureWindow). Feeding the count in as
	// input keeps Classify a pure function.
	RecentFailures int `json:"-"`
}

// Classification is the classifier's verdict for a raw event.
type Classification struct {
	RiskLevel RiskLevel
	Tags      []string
}

// AuditRecord is one immutable entry in a chain. For every record at sequence
// n > 1, PreviousHash equals the RecordHash of the record at sequence n-1; for
// sequence 1 it equals GenesisHash.
type AuditRecord struct {
	ID             string         `json:"id"`
	ChainID        string         `json:"chain_id"`
	SequenceNumber uint64         `json:"sequence_number"`
	EventType      EventType      `json:"event_type"`
	Category       string         `json:"category"`
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	ActorID        string         `json:"actor_id"`
	ActorType      string         `json:"actor_type"`
	TargetType     string         `json:"target_type,omitempty"`
	TargetID       string         `json:"target_id,omitempty"`
	RiskLevel      RiskLevel      `json:"risk_level"`
	ComplianceTags []string       `json:"compliance_tags"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	PreviousHash   string         `json:"previous_hash"`
	RecordHash     string         `json:"record_hash"`
}

// ComputeRecordHash returns the SHA-256 hash of the record's canonical
// serialization, using previousHash in place of the record's stored
// PreviousHash. The appender passes the hash it derived from the tail; the
// verifier passes the hash it recomputed on its own walk, so it never trusts
// the stored linkage field of the record under inspection.
//
// Field order and encoding are fixed and versioned (hashVersion): the record
// serializes as a JSON array, so every field boundary survives arbitrary field
// content; compliance tags are sorted, metadata is JSON with lexically ordered
// keys (encoding/json sorts map keys), and the timestamp is UTC truncated to
// microseconds, matching what the backing timestamp column round-trips.
// The record ID is deliberately excluded so identical event streams hash
// identically regardless of generated identifiers.
func ComputeRecordHash(r *AuditRecord, previousHash string) (string, error) {
	tags := append(make([]string, 0, len(r.ComplianceTags)), r.ComplianceTags...)
	sort.Strings(tags)

	meta := json.RawMessage("{}")
	if len(r.Metadata) > 0 {
		b, err := json.Marshal(r.Metadata)
		if err != nil {
			return "", fmt.Errorf("failed to canonicalize metadata: %w", err)
		}
		meta = b
	}

	canonical, err := json.Marshal([]any{
		hashVersion,
		r.SequenceNumber,
		r.EventType,
		r.Category,
		r.Title,
		r.Description,
		r.ActorID,
		r.ActorType,
		r.TargetType,
		r.TargetID,
		r.RiskLevel,
		tags,
		meta,
		r.CreatedAt.UTC().Truncate(time.Microsecond).Format(canonicalTimeLayout),
		previousHash,
	})
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize record: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
