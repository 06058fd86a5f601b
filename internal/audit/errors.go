// errors.go defines the error taxonomy for the audit chain. Integrity failures
// are deliberately absent: a broken chain is reported as data in an
// IntegrityReport, never as an error.
package audit

import "errors"

var (
	// ErrChainWriteConflict indicates a concurrent append raced for the same
	// sequence number. Retryable; the appender retries a bounded number of
	// times before surfacing it.
	ErrChainWriteConflict = errors.New("audit: chain write conflict")

	// ErrChainStorage indicates the underlying store failed. Fatal for the
	// call; the triggering action must be treated as failed, since an
	// unaudited sensitive action is itself a compliance gap.
	ErrChainStorage = errors.New("audit: chain storage error")

	// ErrUnclassifiableEvent is returned alongside a valid degraded
	// classification (medium risk, "unclassified" tag) when no rule matches.
	// Callers log it for rule-table maintenance and proceed.
	ErrUnclassifiableEvent = errors.New("audit: event did not match any classification rule")

	// ErrRecordNotFound indicates a lookup by id or sequence found nothing.
	ErrRecordNotFound = errors.New("audit: record not found")
)
