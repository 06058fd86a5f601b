// verifier.go implements the integrity verification walk. The verifier never
// trusts the stored previous-hash of the record under inspection: it always
// substitutes the hash it derived itself from the prior record, which closes
// the gap where two adjacent records are mutated consistently. It is strictly
// read-only and may run concurrently with ongoing appends; the scan is bounded
// by the tail sequence captured at start so mid-scan appends cannot affect the
// result.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/tradeforge/compliance-backend/internal/telemetry"
)

// verifyBatchSize is how many records are fetched per store round-trip while
// walking a range.
const verifyBatchSize = 500

// Break reasons recorded in BrokenChain entries.
const (
	BreakHashMismatch  = "hash_mismatch"
	BreakMissingRecord = "missing_record"
)

// VerifyRange selects which part of a chain to verify. Zero/nil fields widen
// the range: no lower bound starts at sequence 1, no upper bound ends at the
// tail captured when verification starts. Timestamp bounds are translated to
// the nearest enclosing sequence numbers.
type VerifyRange struct {
	FromSeq  *uint64
	ToSeq    *uint64
	FromTime *time.Time
	ToTime   *time.Time
}

// BrokenChain is one detected break: either the recomputed hash disagrees
// with the stored one, or the sequence number is missing entirely.
type BrokenChain struct {
	SequenceNumber uint64 `json:"sequence_number"`
	ExpectedHash   string `json:"expected_hash,omitempty"`
	ActualHash     string `json:"actual_hash,omitempty"`
	Reason         string `json:"reason"`
}

// IntegrityReport is the result of a verification walk. A broken chain is
// expected, actionable output — never an error. There is deliberately no
// repair operation anywhere in the system; broken chains require manual
// investigation.
type IntegrityReport struct {
	ChainID         string        `json:"chain_id"`
	IsValid         bool          `json:"is_valid"`
	TotalRecords    int           `json:"total_records"`
	VerifiedRecords int           `json:"verified_records"`
	FromSeq         uint64        `json:"from_seq"`
	ToSeq           uint64        `json:"to_seq"`
	BrokenChains    []BrokenChain `json:"broken_chains"`
	VerifiedAt      time.Time     `json:"verified_at"`
}

// Verifier re-walks chain ranges and reports every point where the recomputed
// hash disagrees with the stored hash.
type Verifier struct {
	store ChainStore
	now   func() time.Time
}

// NewVerifier creates a verifier reading from the given store.
func NewVerifier(store ChainStore) *Verifier {
	return &Verifier{store: store, now: time.Now}
}

// Verify walks the requested range in ascending sequence order. The scan
// continues past each break and reports all of them: a single tampered record
// yields exactly one entry, not a cascade, because the walk resumes from the
// hash the verifier itself recomputed. Context cancellation aborts the scan;
// verification mutates nothing, so an abort has no partial-commit effect.
func (v *Verifier) Verify(ctx context.Context, chainID string, rng VerifyRange) (*IntegrityReport, error) {
	if chainID == "" {
		chainID = DefaultChainID
	}
	started := v.now()

	report := &IntegrityReport{
		ChainID:      chainID,
		IsValid:      true,
		BrokenChains: []BrokenChain{},
		VerifiedAt:   started.UTC(),
	}

	startSeq, endSeq, empty, err := v.resolveRange(ctx, chainID, rng)
	if err != nil {
		return nil, err
	}
	if empty {
		return report, nil
	}
	report.FromSeq = startSeq
	report.ToSeq = endSeq

	// Seed the expected previous hash: genesis for sequence 1, otherwise the
	// recorded hash of the record just before the range.
	expectedPrev := GenesisHash
	if startSeq > 1 {
		prior, err := v.store.GetRange(ctx, chainID, startSeq-1, startSeq-1)
		if err != nil {
			return nil, fmt.Errorf("%w: reading seed record %d: %v", ErrChainStorage, startSeq-1, err)
		}
		if len(prior) == 0 {
			// The record before the range is itself missing; report it and
			// resync on the first in-range record's stored linkage.
			report.IsValid = false
			report.BrokenChains = append(report.BrokenChains, BrokenChain{
				SequenceNumber: startSeq - 1,
				Reason:         BreakMissingRecord,
			})
			expectedPrev = ""
		} else {
			expectedPrev = prior[0].RecordHash
		}
	}

	nextSeq := startSeq
	for batchStart := startSeq; batchStart <= endSeq; batchStart += verifyBatchSize {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("verification cancelled: %w", err)
		}

		batchEnd := batchStart + verifyBatchSize - 1
		if batchEnd > endSeq {
			batchEnd = endSeq
		}
		records, err := v.store.GetRange(ctx, chainID, batchStart, batchEnd)
		if err != nil {
			return nil, fmt.Errorf("%w: reading range [%d,%d]: %v", ErrChainStorage, batchStart, batchEnd, err)
		}

		for _, rec := range records {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("verification cancelled: %w", err)
			}

			// A gap in sequence numbers is a tamper signal in its own right:
			// report a synthetic break per missing sequence number rather
			// than silently skipping.
			for nextSeq < rec.SequenceNumber {
				report.IsValid = false
				report.BrokenChains = append(report.BrokenChains, BrokenChain{
					SequenceNumber: nextSeq,
					Reason:         BreakMissingRecord,
				})
				nextSeq++
				// The missing record's hash is unknowable, so resync on the
				// next surviving record's stored linkage. This keeps a single
				// deletion from cascading into a break at every later record.
				expectedPrev = ""
			}
			if expectedPrev == "" {
				expectedPrev = rec.PreviousHash
			}

			recomputed, err := ComputeRecordHash(rec, expectedPrev)
			if err != nil {
				return nil, fmt.Errorf("%w: hashing record %d: %v", ErrChainStorage, rec.SequenceNumber, err)
			}

			report.TotalRecords++
			if recomputed != rec.RecordHash {
				report.IsValid = false
				report.BrokenChains = append(report.BrokenChains, BrokenChain{
					SequenceNumber: rec.SequenceNumber,
					ExpectedHash:   recomputed,
					ActualHash:     rec.RecordHash,
					Reason:         BreakHashMismatch,
				})
				// Resynchronize on the stored hash: successors were bound to
				// it at append time, so one tampered record yields exactly
				// one report entry instead of a cascade. A consistently
				// rewritten pair of adjacent records is still caught, because
				// the second record's recomputation uses the hash derived
				// here rather than its own stored linkage field.
				expectedPrev = rec.RecordHash
			} else {
				report.VerifiedRecords++
				expectedPrev = recomputed
			}
			nextSeq = rec.SequenceNumber + 1
		}
	}

	// Trailing gap: records missing at the very end of the range.
	for nextSeq <= endSeq {
		report.IsValid = false
		report.BrokenChains = append(report.BrokenChains, BrokenChain{
			SequenceNumber: nextSeq,
			Reason:         BreakMissingRecord,
		})
		nextSeq++
	}

	telemetry.AuditVerifyDuration.Observe(v.now().Sub(started).Seconds())
	if !report.IsValid {
		telemetry.AuditChainBroken.WithLabelValues(chainID).Add(float64(len(report.BrokenChains)))
	}
	return report, nil
}

// resolveRange turns the caller's range into concrete [startSeq, endSeq]
// bounds. The upper bound is fixed before scanning begins so records appended
// mid-scan do not affect the result. empty=true means there is nothing to
// verify and the report is trivially valid.
func (v *Verifier) resolveRange(ctx context.Context, chainID string, rng VerifyRange) (startSeq, endSeq uint64, empty bool, err error) {
	if rng.FromTime != nil || rng.ToTime != nil {
		var from, to time.Time
		if rng.FromTime != nil {
			from = *rng.FromTime
		}
		if rng.ToTime != nil {
			to = *rng.ToTime
		}
		fromSeq, toSeq, ok, err := v.store.SeqBounds(ctx, chainID, from, to)
		if err != nil {
			return 0, 0, false, fmt.Errorf("%w: resolving timestamp range: %v", ErrChainStorage, err)
		}
		if !ok {
			return 0, 0, true, nil
		}
		return fromSeq, toSeq, false, nil
	}

	startSeq = 1
	if rng.FromSeq != nil && *rng.FromSeq > 1 {
		startSeq = *rng.FromSeq
	}

	if rng.ToSeq != nil {
		endSeq = *rng.ToSeq
	} else {
		tail, err := v.store.GetTail(ctx, chainID)
		if err != nil {
			return 0, 0, false, fmt.Errorf("%w: reading chain tail: %v", ErrChainStorage, err)
		}
		if tail == nil {
			return 0, 0, true, nil
		}
		endSeq = tail.SequenceNumber
	}

	if endSeq < startSeq {
		return 0, 0, true, nil
	}
	return startSeq, endSeq, false, nil
}
