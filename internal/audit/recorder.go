// recorder.go combines the classifier, failure window, and appender into the
// single entry point the rest of the platform uses to record a sensitive
// action. The violation lifecycle engine and the HTTP surface both record
// through it.
package audit

import (
	"context"
	"errors"
	"log/slog"
)

// Recorder classifies and appends events in one call.
type Recorder struct {
	classifier *Classifier
	appender   *Appender
	failures   FailureWindow
	forwarder  Forwarder
}

// RecorderOption customizes a Recorder.
type RecorderOption func(*Recorder)

// WithForwarder streams every committed record to an export destination.
func WithForwarder(f Forwarder) RecorderOption {
	return func(r *Recorder) {
		r.forwarder = f
	}
}

// NewRecorder wires a recorder. failures may be nil when no window counting
// is configured; escalation rules keyed on failure counts then never fire.
func NewRecorder(classifier *Classifier, appender *Appender, failures FailureWindow, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		classifier: classifier,
		appender:   appender,
		failures:   failures,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record classifies the event and appends it to its chain. Failed
// authentication events are counted in the failure window first so that
// repeated failures escalate. An unclassifiable event is logged and recorded
// at the degraded default classification rather than dropped: an unaudited
// sensitive action is itself a compliance gap.
func (r *Recorder) Record(ctx context.Context, ev *RawEvent) (*AuditRecord, error) {
	if r.failures != nil && ev.Category == "authentication" {
		if outcome, ok := ev.Metadata["outcome"].(string); ok && outcome == "failure" {
			n, err := r.failures.RecordFailure(ctx, ev.ActorID)
			if err != nil {
				// The window is advisory; losing a count weakens escalation
				// but must not block the audit write.
				slog.Warn("failure window unavailable", "actor_id", ev.ActorID, "error", err)
			} else {
				ev.RecentFailures = int(n)
			}
		}
	}

	cls, err := r.classifier.Classify(ev)
	if err != nil {
		if !errors.Is(err, ErrUnclassifiableEvent) {
			return nil, err
		}
		slog.Warn("event fell through classification rules",
			"event_type", ev.EventType, "category", ev.Category)
	}

	rec, err := r.appender.Append(ctx, ev, cls)
	if err != nil {
		return nil, err
	}

	if r.forwarder != nil {
		// The chain is the source of truth; a failed export is logged,
		// not propagated.
		if err := r.forwarder.Forward(ctx, rec); err != nil {
			slog.Warn("audit export failed",
				"chain_id", rec.ChainID, "sequence", rec.SequenceNumber, "error", err)
		}
	}
	return rec, nil
}
