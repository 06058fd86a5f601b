// Package violation implements the compliance-violation lifecycle engine: a
// state machine that creates, assigns, escalates, and resolves violations,
// each linked to audit records as evidence. Transitions are validated against
// an explicit table rather than ad hoc checks at call sites, and every
// successful transition is itself appended to the audit chain — the chain of
// custody for how a violation was handled is tamper-evident.
package violation

import "time"

// Status is a violation's lifecycle state.
type Status string

const (
	StatusOpen          Status = "open"
	StatusInvestigating Status = "investigating"
	StatusRemediation   Status = "remediation"
	StatusResolved      Status = "resolved"
	StatusDismissed     Status = "dismissed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusInvestigating, StatusRemediation, StatusResolved, StatusDismissed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is permitted out of s.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusDismissed
}

// transitions is the complete set of legal lifecycle edges. Anything absent
// here is rejected with ErrInvalidStateTransition. An investigation may close
// straight to resolved when no remediation work is needed; dismissal is only
// possible before remediation has started.
var transitions = map[Status][]Status{
	StatusOpen:          {StatusInvestigating, StatusDismissed},
	StatusInvestigating: {StatusRemediation, StatusResolved, StatusDismissed},
	StatusRemediation:   {StatusResolved},
	StatusResolved:      {},
	StatusDismissed:     {},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Severity grades how serious a violation is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// Above reports whether s is strictly more severe than other.
func (s Severity) Above(other Severity) bool {
	return severityRank[s] > severityRank[other]
}

// ImpactLevel grades the blast radius of a violation on business entities.
type ImpactLevel string

const (
	ImpactMinor    ImpactLevel = "minor"
	ImpactModerate ImpactLevel = "moderate"
	ImpactMajor    ImpactLevel = "major"
	ImpactSevere   ImpactLevel = "severe"
)

// Valid reports whether l is a known impact level.
func (l ImpactLevel) Valid() bool {
	switch l {
	case ImpactMinor, ImpactModerate, ImpactMajor, ImpactSevere:
		return true
	}
	return false
}

// Violation is a tracked compliance case. It is mutated only through the
// engine's defined transitions and never physically deleted — terminal cases
// are kept for history.
type Violation struct {
	ID                string      `json:"id" db:"id"`
	Title             string      `json:"title" db:"title"`
	Description       string      `json:"description" db:"description"`
	ViolationType     string      `json:"violation_type" db:"violation_type"`
	Severity          Severity    `json:"severity" db:"severity"`
	ImpactLevel       ImpactLevel `json:"impact_level" db:"impact_level"`
	Status            Status      `json:"status" db:"status"`
	AffectedRecords   int         `json:"affected_records" db:"affected_records"`
	EvidenceRecordIDs []string    `json:"evidence_record_ids" db:"-"`
	AssignedTo        *string     `json:"assigned_to,omitempty" db:"assigned_to"`
	DetectedAt        time.Time   `json:"detected_at" db:"detected_at"`
	UpdatedAt         time.Time   `json:"updated_at" db:"updated_at"`
	ResolvedAt        *time.Time  `json:"resolved_at,omitempty" db:"resolved_at"`
	ResolutionSummary *string     `json:"resolution_summary,omitempty" db:"resolution_summary"`
}

// Draft is the input for creating a violation, submitted manually by an admin
// or automatically by an upstream detector.
type Draft struct {
	Title           string      `json:"title"`
	Description     string      `json:"description"`
	ViolationType   string      `json:"violation_type"`
	Severity        Severity    `json:"severity"`
	ImpactLevel     ImpactLevel `json:"impact_level"`
	AffectedRecords int         `json:"affected_records"`
}
