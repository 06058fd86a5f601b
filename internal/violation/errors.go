package violation

import "errors"

var (
	// ErrInvalidEvidenceReference indicates a referenced audit record id does
	// not resolve to an existing record.
	ErrInvalidEvidenceReference = errors.New("violation: evidence references unknown audit record")

	// ErrInvalidStateTransition indicates an illegal lifecycle edge was
	// requested, including any mutation of a terminal violation.
	ErrInvalidStateTransition = errors.New("violation: invalid state transition")

	// ErrConcurrentModification indicates the optimistic-concurrency guard
	// failed: another actor changed the violation between read and update.
	// Retryable after a re-read.
	ErrConcurrentModification = errors.New("violation: concurrent modification")

	// ErrSeverityDecrease indicates an escalation tried to lower severity.
	// De-escalation is only expressible as resolve/dismiss with a documented
	// summary, so it is always explained.
	ErrSeverityDecrease = errors.New("violation: severity may only increase")

	// ErrSummaryRequired indicates a transition to resolved (or dismissed)
	// was requested without the mandatory summary/note.
	ErrSummaryRequired = errors.New("violation: a non-empty summary is required")

	// ErrNotFound indicates no violation exists with the given id.
	ErrNotFound = errors.New("violation: not found")
)
