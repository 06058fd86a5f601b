// engine.go is the only writer of violation state. Every mutation goes
// through a load, a transition check against the lifecycle table, and a
// conditional store write, then records itself on the audit chain so the
// handling of a violation is as tamper-evident as the events that raised it.
package violation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tradeforge/compliance-backend/internal/audit"
	"github.com/tradeforge/compliance-backend/internal/telemetry"
)

// Actor identifies who is performing a lifecycle operation, for the
// self-audit trail.
type Actor struct {
	ID   string
	Type string
}

// Engine drives the violation lifecycle.
type Engine struct {
	store    Store
	chain    audit.ChainStore
	recorder *audit.Recorder
	now      func() time.Time
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithEngineClock overrides the engine's time source for tests.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine wires a lifecycle engine. chain resolves evidence references;
// recorder receives the self-audit events and may not be nil.
func NewEngine(store Store, chain audit.ChainStore, recorder *audit.Recorder, opts ...EngineOption) *Engine {
	e := &Engine{
		store:    store,
		chain:    chain,
		recorder: recorder,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Create opens a new violation in status open, after verifying that every
// evidence id resolves to an existing audit record.
func (e *Engine) Create(ctx context.Context, draft Draft, evidenceIDs []string, actor Actor) (*Violation, error) {
	if draft.Title == "" {
		return nil, fmt.Errorf("violation: title is required")
	}
	if draft.ViolationType == "" {
		return nil, fmt.Errorf("violation: violation_type is required")
	}
	if !draft.Severity.Valid() {
		return nil, fmt.Errorf("violation: unknown severity %q", draft.Severity)
	}
	if !draft.ImpactLevel.Valid() {
		return nil, fmt.Errorf("violation: unknown impact level %q", draft.ImpactLevel)
	}
	if err := e.resolveEvidence(ctx, evidenceIDs); err != nil {
		return nil, err
	}

	now := e.now().UTC()
	v := &Violation{
		ID:                uuid.New().String(),
		Title:             draft.Title,
		Description:       draft.Description,
		ViolationType:     draft.ViolationType,
		Severity:          draft.Severity,
		ImpactLevel:       draft.ImpactLevel,
		Status:            StatusOpen,
		AffectedRecords:   draft.AffectedRecords,
		EvidenceRecordIDs: append([]string(nil), evidenceIDs...),
		DetectedAt:        now,
		UpdatedAt:         now,
	}
	if err := e.store.Create(ctx, v); err != nil {
		return nil, err
	}

	telemetry.ViolationsCreated.WithLabelValues(v.ViolationType, string(v.Severity)).Inc()
	if err := e.selfAudit(ctx, actor, v, "violation created",
		fmt.Sprintf("violation %q opened at severity %s", v.Title, v.Severity),
		map[string]any{"severity": string(v.Severity), "violation_type": v.ViolationType}); err != nil {
		return nil, err
	}
	return v, nil
}

// Get returns a violation by id.
func (e *Engine) Get(ctx context.Context, id string) (*Violation, error) {
	return e.store.GetByID(ctx, id)
}

// List returns filtered violations, newest first, plus the total count.
func (e *Engine) List(ctx context.Context, filters ListFilters, limit, offset int) ([]*Violation, int, error) {
	return e.store.List(ctx, filters, limit, offset)
}

// Assign hands the violation to an investigator. Assigning an open violation
// moves it to investigating; reassigning during an investigation keeps the
// status. Assignment past the investigation stage is rejected.
func (e *Engine) Assign(ctx context.Context, id, assignee string, actor Actor) (*Violation, error) {
	if assignee == "" {
		return nil, fmt.Errorf("violation: assignee is required")
	}
	v, err := e.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if v.Status != StatusOpen && v.Status != StatusInvestigating {
		return nil, fmt.Errorf("%w: cannot assign in status %s", ErrInvalidStateTransition, v.Status)
	}

	from := v.Status
	v.AssignedTo = &assignee
	if v.Status == StatusOpen {
		v.Status = StatusInvestigating
	}
	v.UpdatedAt = e.now().UTC()
	if err := e.store.UpdateIfStatus(ctx, v, from); err != nil {
		return nil, err
	}

	if from != v.Status {
		telemetry.ViolationTransitions.WithLabelValues(string(from), string(v.Status)).Inc()
	}
	if err := e.selfAudit(ctx, actor, v, "violation assigned",
		fmt.Sprintf("violation assigned to %s", assignee),
		map[string]any{"assigned_to": assignee, "from_status": string(from), "to_status": string(v.Status)}); err != nil {
		return nil, err
	}
	return v, nil
}

// Escalate raises the violation's severity. Severity only ever increases;
// lowering it is expressed by resolving or dismissing with a summary instead.
func (e *Engine) Escalate(ctx context.Context, id string, to Severity, actor Actor) (*Violation, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("violation: unknown severity %q", to)
	}
	v, err := e.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if v.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s violation cannot be escalated", ErrInvalidStateTransition, v.Status)
	}
	if !to.Above(v.Severity) {
		return nil, fmt.Errorf("%w: %s does not exceed %s", ErrSeverityDecrease, to, v.Severity)
	}

	from := v.Severity
	v.Severity = to
	v.UpdatedAt = e.now().UTC()
	if err := e.store.UpdateIfStatus(ctx, v, v.Status); err != nil {
		return nil, err
	}

	if err := e.selfAudit(ctx, actor, v, "violation escalated",
		fmt.Sprintf("severity raised from %s to %s", from, to),
		map[string]any{"from_severity": string(from), "to_severity": string(to)}); err != nil {
		return nil, err
	}
	return v, nil
}

// AddEvidence links additional audit records to the violation. Evidence is
// append-only and cannot be attached once the violation is terminal.
func (e *Engine) AddEvidence(ctx context.Context, id string, recordIDs []string, actor Actor) (*Violation, error) {
	if len(recordIDs) == 0 {
		return nil, fmt.Errorf("violation: at least one evidence record id is required")
	}
	if err := e.resolveEvidence(ctx, recordIDs); err != nil {
		return nil, err
	}
	v, err := e.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if v.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s violation cannot accept evidence", ErrInvalidStateTransition, v.Status)
	}

	v.EvidenceRecordIDs = unionEvidence(v.EvidenceRecordIDs, recordIDs)
	v.UpdatedAt = e.now().UTC()
	if err := e.store.UpdateIfStatus(ctx, v, v.Status); err != nil {
		return nil, err
	}

	if err := e.selfAudit(ctx, actor, v, "evidence attached",
		fmt.Sprintf("%d audit record(s) linked as evidence", len(recordIDs)),
		map[string]any{"record_ids": recordIDs}); err != nil {
		return nil, err
	}
	return v, nil
}

// Advance moves the violation along a legal lifecycle edge. Transitions into
// resolved and dismissed require a non-empty note, stored as the resolution
// summary; resolved additionally stamps ResolvedAt.
func (e *Engine) Advance(ctx context.Context, id string, to Status, note string, actor Actor) (*Violation, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("violation: unknown status %q", to)
	}
	v, err := e.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	from := v.Status
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, from, to)
	}
	if to.Terminal() && note == "" {
		return nil, fmt.Errorf("%w: transition to %s", ErrSummaryRequired, to)
	}

	now := e.now().UTC()
	v.Status = to
	v.UpdatedAt = now
	if to.Terminal() {
		v.ResolutionSummary = &note
	}
	if to == StatusResolved {
		v.ResolvedAt = &now
	}
	if err := e.store.UpdateIfStatus(ctx, v, from); err != nil {
		return nil, err
	}

	telemetry.ViolationTransitions.WithLabelValues(string(from), string(to)).Inc()
	meta := map[string]any{"from_status": string(from), "to_status": string(to)}
	if note != "" {
		meta["note"] = note
	}
	if err := e.selfAudit(ctx, actor, v, "violation "+string(to),
		fmt.Sprintf("status changed from %s to %s", from, to), meta); err != nil {
		return nil, err
	}
	return v, nil
}

// resolveEvidence verifies every id refers to an existing audit record.
func (e *Engine) resolveEvidence(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if _, err := e.chain.GetByID(ctx, id); err != nil {
			if errors.Is(err, audit.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrInvalidEvidenceReference, id)
			}
			return err
		}
	}
	return nil
}

// selfAudit appends the lifecycle operation to the audit chain. The append
// error is returned so the mutation never reports success without its chain
// record; the store write has already committed, so the caller sees the state
// change on re-read and can retry the audit by repeating the operation.
func (e *Engine) selfAudit(ctx context.Context, actor Actor, v *Violation, title, description string, meta map[string]any) error {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["violation_id"] = v.ID

	_, err := e.recorder.Record(ctx, &audit.RawEvent{
		EventType:   audit.EventComplianceEvent,
		Category:    "violation_lifecycle",
		Title:       title,
		Description: description,
		ActorID:     actor.ID,
		ActorType:   actor.Type,
		TargetType:  "violation",
		TargetID:    v.ID,
		Metadata:    meta,
	})
	if err != nil {
		slog.Error("self-audit append failed",
			"violation_id", v.ID, "title", title, "error", err)
		return fmt.Errorf("violation: recording lifecycle audit: %w", err)
	}
	return nil
}
