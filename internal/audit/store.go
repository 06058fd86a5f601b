// store.go defines the persistence boundary for audit chains. The store is an
// external collaborator: it owns durability and the atomic conditional append;
// this package owns sequencing, hashing, and verification.
package audit

import (
	"context"
	"time"
)

// ListFilters narrows List queries for the query/reporting facade. Nil fields
// are ignored.
type ListFilters struct {
	ChainID   string
	EventType *EventType
	Category  *string
	ActorID   *string
	RiskLevel *RiskLevel
	StartDate *time.Time
	EndDate   *time.Time
}

// ChainStore is the audit store adapter. Implementations must make
// AppendIfTailMatches an atomic conditional write so multiple process
// instances can append safely without a shared in-memory tail pointer.
type ChainStore interface {
	// AppendIfTailMatches persists the record if and only if the chain's
	// current highest sequence number equals expectedTailSeq (0 for an empty
	// chain). A lost race returns ErrChainWriteConflict; any other failure is
	// wrapped in ErrChainStorage by the appender.
	AppendIfTailMatches(ctx context.Context, rec *AuditRecord, expectedTailSeq uint64) error

	// GetTail returns the record with the highest sequence number in the
	// chain, or nil when the chain is empty.
	GetTail(ctx context.Context, chainID string) (*AuditRecord, error)

	// GetRange returns records with fromSeq <= sequence <= toSeq in ascending
	// sequence order. Missing sequence numbers are simply absent from the
	// result; the verifier detects and reports the gaps.
	GetRange(ctx context.Context, chainID string, fromSeq, toSeq uint64) ([]*AuditRecord, error)

	// GetByID returns the record with the given id or ErrRecordNotFound.
	GetByID(ctx context.Context, id string) (*AuditRecord, error)

	// SeqBounds translates a timestamp window into the nearest enclosing
	// sequence numbers for the chain, so verification is always
	// sequence-ordered. An empty window returns ok=false.
	SeqBounds(ctx context.Context, chainID string, from, to time.Time) (fromSeq, toSeq uint64, ok bool, err error)

	// List returns filtered records ordered by sequence descending, plus the
	// total count, for dashboard pagination.
	List(ctx context.Context, filters ListFilters, limit, offset int) ([]*AuditRecord, int, error)
}
