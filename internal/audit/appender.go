// appender.go implements the hash chain appender. Appends serialize through
// the store's atomic conditional write (append-if-tail-matches) rather than a
// shared in-memory tail pointer, so multiple process instances can extend the
// same chain safely. A lost race is retried a bounded number of times before
// ErrChainWriteConflict is surfaced.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tradeforge/compliance-backend/internal/telemetry"
)

const defaultMaxAppendRetries = 5

// Appender assigns sequence numbers and hashes to new audit records and
// persists them through the chain store.
type Appender struct {
	store      ChainStore
	maxRetries int

	// now is injectable for deterministic hash tests.
	now func() time.Time
}

// AppenderOption configures an Appender.
type AppenderOption func(*Appender)

// WithClock overrides the appender's time source. Used by tests to make
// record hashes reproducible.
func WithClock(now func() time.Time) AppenderOption {
	return func(a *Appender) { a.now = now }
}

// WithMaxRetries bounds the number of conflict retries per append.
func WithMaxRetries(n int) AppenderOption {
	return func(a *Appender) {
		if n > 0 {
			a.maxRetries = n
		}
	}
}

// NewAppender creates an appender writing through the given store.
func NewAppender(store ChainStore, opts ...AppenderOption) *Appender {
	a := &Appender{
		store:      store,
		maxRetries: defaultMaxAppendRetries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Append writes one classified event to the chain and returns the immutable
// record. On return the record's hash is permanently bound to its
// predecessor; no code path ever rewrites PreviousHash or RecordHash of a
// written record.
//
// Callers must not assume the event was recorded when an error is returned:
// ErrChainWriteConflict after exhausted retries and ErrChainStorage both mean
// the triggering action has no audit record and must itself be failed or
// retried.
func (a *Appender) Append(ctx context.Context, ev *RawEvent, cls Classification) (*AuditRecord, error) {
	if !ev.EventType.Valid() {
		return nil, fmt.Errorf("%w: unknown event type %q", ErrChainStorage, ev.EventType)
	}
	chainID := ev.ChainID
	if chainID == "" {
		chainID = DefaultChainID
	}

	for attempt := 0; attempt < a.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrChainStorage, err)
		}

		tail, err := a.store.GetTail(ctx, chainID)
		if err != nil {
			return nil, fmt.Errorf("%w: reading chain tail: %v", ErrChainStorage, err)
		}

		var (
			tailSeq  uint64
			prevHash = GenesisHash
		)
		if tail != nil {
			tailSeq = tail.SequenceNumber
			prevHash = tail.RecordHash
		}

		rec := &AuditRecord{
			ID:             uuid.New().String(),
			ChainID:        chainID,
			SequenceNumber: tailSeq + 1,
			EventType:      ev.EventType,
			Category:       ev.Category,
			Title:          ev.Title,
			Description:    ev.Description,
			ActorID:        ev.ActorID,
			ActorType:      ev.ActorType,
			TargetType:     ev.TargetType,
			TargetID:       ev.TargetID,
			RiskLevel:      cls.RiskLevel,
			ComplianceTags: append([]string(nil), cls.Tags...),
			Metadata:       ev.Metadata,
			// Microsecond truncation keeps the stored timestamp identical to
			// the hashed one across a TIMESTAMPTZ round-trip.
			CreatedAt:      a.now().UTC().Truncate(time.Microsecond),
			PreviousHash:   prevHash,
		}

		rec.RecordHash, err = ComputeRecordHash(rec, prevHash)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrChainStorage, err)
		}

		err = a.store.AppendIfTailMatches(ctx, rec, tailSeq)
		if err == nil {
			telemetry.AuditRecordsAppended.WithLabelValues(chainID, string(rec.RiskLevel)).Inc()
			return rec, nil
		}
		if errors.Is(err, ErrChainWriteConflict) {
			// Another writer claimed the sequence number; re-read the tail.
			telemetry.AuditAppendConflicts.WithLabelValues(chainID).Inc()
			continue
		}
		return nil, fmt.Errorf("%w: %v", ErrChainStorage, err)
	}

	return nil, fmt.Errorf("%w: gave up after %d attempts", ErrChainWriteConflict, a.maxRetries)
}
