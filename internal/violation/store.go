// store.go defines the violation persistence boundary plus the in-memory
// implementation used by tests and local development. Updates go through a
// conditional write guarded by the expected current status, so two actors
// racing on the same violation cannot silently overwrite each other.
package violation

import (
	"context"
	"sync"
)

// ListFilters narrows List queries. Nil fields are ignored.
type ListFilters struct {
	Status        *Status
	Severity      *Severity
	ViolationType *string
	AssignedTo    *string
}

// Store is the violation persistence boundary.
type Store interface {
	// Create persists a new violation with its initial evidence set.
	Create(ctx context.Context, v *Violation) error

	// GetByID returns the violation with its evidence ids, or ErrNotFound.
	GetByID(ctx context.Context, id string) (*Violation, error)

	// UpdateIfStatus writes the violation's mutable fields if and only if the
	// stored status still equals expectedStatus; a failed guard returns
	// ErrConcurrentModification. New evidence ids in v are appended; evidence
	// is never removed.
	UpdateIfStatus(ctx context.Context, v *Violation, expectedStatus Status) error

	// List returns filtered violations ordered by detection time descending,
	// plus the total count.
	List(ctx context.Context, filters ListFilters, limit, offset int) ([]*Violation, int, error)
}

// MemoryStore is an in-memory Store. Thread-safe via RWMutex.
type MemoryStore struct {
	mu         sync.RWMutex
	violations map[string]*Violation
	order      []string
}

// NewMemoryStore creates an empty in-memory violation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{violations: make(map[string]*Violation)}
}

func copyViolation(v *Violation) *Violation {
	cp := *v
	cp.EvidenceRecordIDs = append([]string(nil), v.EvidenceRecordIDs...)
	if v.AssignedTo != nil {
		a := *v.AssignedTo
		cp.AssignedTo = &a
	}
	if v.ResolvedAt != nil {
		t := *v.ResolvedAt
		cp.ResolvedAt = &t
	}
	if v.ResolutionSummary != nil {
		s := *v.ResolutionSummary
		cp.ResolutionSummary = &s
	}
	return &cp
}

// Create stores a copy of the violation.
func (s *MemoryStore) Create(ctx context.Context, v *Violation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.violations[v.ID] = copyViolation(v)
	s.order = append(s.order, v.ID)
	return nil
}

// GetByID returns a copy of the stored violation.
func (s *MemoryStore) GetByID(ctx context.Context, id string) (*Violation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.violations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyViolation(v), nil
}

// UpdateIfStatus applies the conditional write.
func (s *MemoryStore) UpdateIfStatus(ctx context.Context, v *Violation, expectedStatus Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.violations[v.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Status != expectedStatus {
		return ErrConcurrentModification
	}

	updated := copyViolation(v)
	// Evidence is append-only: keep anything already stored that the caller's
	// copy predates.
	updated.EvidenceRecordIDs = unionEvidence(current.EvidenceRecordIDs, v.EvidenceRecordIDs)
	s.violations[v.ID] = updated
	return nil
}

// List returns filtered copies, newest first.
func (s *MemoryStore) List(ctx context.Context, filters ListFilters, limit, offset int) ([]*Violation, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Violation
	for i := len(s.order) - 1; i >= 0; i-- {
		v := s.violations[s.order[i]]
		if filters.Status != nil && v.Status != *filters.Status {
			continue
		}
		if filters.Severity != nil && v.Severity != *filters.Severity {
			continue
		}
		if filters.ViolationType != nil && v.ViolationType != *filters.ViolationType {
			continue
		}
		if filters.AssignedTo != nil && (v.AssignedTo == nil || *v.AssignedTo != *filters.AssignedTo) {
			continue
		}
		matched = append(matched, copyViolation(v))
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

// unionEvidence appends ids from add that are not already in base, preserving
// insertion order.
func unionEvidence(base, add []string) []string {
	seen := make(map[string]struct{}, len(base))
	out := append([]string(nil), base...)
	for _, id := range base {
		seen[id] = struct{}{}
	}
	for _, id := range add {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
