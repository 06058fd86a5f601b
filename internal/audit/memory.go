// memory.go provides an in-memory ChainStore used by tests and local
// development. Thread-safe via RWMutex. Records are stored by value and
// returned as copies so callers cannot mutate chain state behind the store's
// back — except through the test-only Tamper helpers, which exist precisely
// to simulate what the verifier must detect.
package audit

import (
	"context"
	"sync"
	"time"
)

// recordRef locates a record inside a chain without holding a pointer into
// the backing slice, which may be reallocated on append.
type recordRef struct {
	chainID string
	seq     uint64
}

// MemoryChainStore is an in-memory implementation of ChainStore.
type MemoryChainStore struct {
	mu     sync.RWMutex
	chains map[string][]AuditRecord // ascending by sequence
	byID   map[string]recordRef
}

// NewMemoryChainStore creates an empty in-memory chain store.
func NewMemoryChainStore() *MemoryChainStore {
	return &MemoryChainStore{
		chains: make(map[string][]AuditRecord),
		byID:   make(map[string]recordRef),
	}
}

// AppendIfTailMatches implements the atomic conditional append.
func (s *MemoryChainStore) AppendIfTailMatches(ctx context.Context, rec *AuditRecord, expectedTailSeq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.chains[rec.ChainID]
	var tailSeq uint64
	if len(chain) > 0 {
		tailSeq = chain[len(chain)-1].SequenceNumber
	}
	if tailSeq != expectedTailSeq {
		return ErrChainWriteConflict
	}

	s.chains[rec.ChainID] = append(chain, *rec)
	s.byID[rec.ID] = recordRef{chainID: rec.ChainID, seq: rec.SequenceNumber}
	return nil
}

// GetTail returns a copy of the chain's newest record, or nil when empty.
func (s *MemoryChainStore) GetTail(ctx context.Context, chainID string) (*AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.chains[chainID]
	if len(chain) == 0 {
		return nil, nil
	}
	tail := chain[len(chain)-1]
	return &tail, nil
}

// GetRange returns copies of records in [fromSeq, toSeq], ascending.
func (s *MemoryChainStore) GetRange(ctx context.Context, chainID string, fromSeq, toSeq uint64) ([]*AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*AuditRecord
	for i := range s.chains[chainID] {
		r := s.chains[chainID][i]
		if r.SequenceNumber < fromSeq || r.SequenceNumber > toSeq {
			continue
		}
		cp := r
		out = append(out, &cp)
	}
	return out, nil
}

// GetByID returns a copy of the record with the given id.
func (s *MemoryChainStore) GetByID(ctx context.Context, id string) (*AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ref, ok := s.byID[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	for i := range s.chains[ref.chainID] {
		if s.chains[ref.chainID][i].SequenceNumber == ref.seq {
			cp := s.chains[ref.chainID][i]
			return &cp, nil
		}
	}
	return nil, ErrRecordNotFound
}

// SeqBounds resolves a timestamp window to enclosing sequence numbers.
func (s *MemoryChainStore) SeqBounds(ctx context.Context, chainID string, from, to time.Time) (uint64, uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var fromSeq, toSeq uint64
	found := false
	for i := range s.chains[chainID] {
		r := &s.chains[chainID][i]
		if !from.IsZero() && r.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && r.CreatedAt.After(to) {
			continue
		}
		if !found || r.SequenceNumber < fromSeq {
			fromSeq = r.SequenceNumber
		}
		if r.SequenceNumber > toSeq {
			toSeq = r.SequenceNumber
		}
		found = true
	}
	return fromSeq, toSeq, found, nil
}

// List returns filtered records, newest first.
func (s *MemoryChainStore) List(ctx context.Context, filters ListFilters, limit, offset int) ([]*AuditRecord, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chainID := filters.ChainID
	if chainID == "" {
		chainID = DefaultChainID
	}

	var matched []*AuditRecord
	chain := s.chains[chainID]
	for i := len(chain) - 1; i >= 0; i-- {
		r := chain[i]
		if filters.EventType != nil && r.EventType != *filters.EventType {
			continue
		}
		if filters.Category != nil && r.Category != *filters.Category {
			continue
		}
		if filters.ActorID != nil && r.ActorID != *filters.ActorID {
			continue
		}
		if filters.RiskLevel != nil && r.RiskLevel != *filters.RiskLevel {
			continue
		}
		if filters.StartDate != nil && r.CreatedAt.Before(*filters.StartDate) {
			continue
		}
		if filters.EndDate != nil && r.CreatedAt.After(*filters.EndDate) {
			continue
		}
		cp := r
		matched = append(matched, &cp)
	}

	total := len(matched)
	if offset >= len(matched) {
		return nil, total, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, total, nil
}

// TamperField overwrites a field of the stored record at the given sequence,
// bypassing the append-only contract. Test helper only.
func (s *MemoryChainStore) TamperField(chainID string, seq uint64, mutate func(*AuditRecord)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.chains[chainID] {
		if s.chains[chainID][i].SequenceNumber == seq {
			mutate(&s.chains[chainID][i])
			return true
		}
	}
	return false
}

// TamperDelete removes the stored record at the given sequence entirely,
// simulating a deleted row. Test helper only.
func (s *MemoryChainStore) TamperDelete(chainID string, seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.chains[chainID]
	for i := range chain {
		if chain[i].SequenceNumber == seq {
			delete(s.byID, chain[i].ID)
			s.chains[chainID] = append(chain[:i], chain[i+1:]...)
			return true
		}
	}
	return false
}
