// classifier.go implements the risk classifier: a small ordered rule table
// evaluated first-match-wins, followed by ordered escalation rules that can
// only raise the decided level. Classification is a pure function of the
// event so it is reproducible during later audits.
package audit

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// TagUnclassified is attached when no classification rule matches.
const TagUnclassified = "unclassified"

// RuleMatch is the predicate half of a classification rule. Empty fields
// match anything; set fields must all match (AND semantics).
type RuleMatch struct {
	EventTypes      []EventType `yaml:"event_types,omitempty"`
	Categories      []string    `yaml:"categories,omitempty"`
	ActorTypes      []string    `yaml:"actor_types,omitempty"`
	ActorTypeNot    string      `yaml:"actor_type_not,omitempty"`
	AmountAbove     *float64    `yaml:"amount_above,omitempty"`
	FailuresAtLeast *int        `yaml:"failures_at_least,omitempty"`
}

// Rule combines a predicate with its classification outcome. EscalateBy
// applies to escalation rules only: instead of setting the level it bumps the
// already-decided level by that many steps, capped at critical.
type Rule struct {
	Name       string    `yaml:"name"`
	Match      RuleMatch `yaml:"match"`
	RiskLevel  RiskLevel `yaml:"risk_level,omitempty"`
	Tags       []string  `yaml:"tags,omitempty"`
	EscalateBy int       `yaml:"escalate_by,omitempty"`
}

// RuleSet is an ordered classification table: Rules are evaluated
// first-match-wins to decide (riskLevel, tags); Escalations are then each
// applied when they match. Severity only ever moves up here — a downgrade is
// not expressible in the table.
type RuleSet struct {
	Rules       []Rule `yaml:"rules"`
	Escalations []Rule `yaml:"escalations"`
}

// DefaultRuleSet returns the built-in classification table used when no rule
// file is configured.
func DefaultRuleSet() *RuleSet {
	amountThreshold := 10000.0
	failureThreshold := 5
	return &RuleSet{
		Rules: []Rule{
			{
				Name:      "security-event-non-system",
				Match:     RuleMatch{EventTypes: []EventType{EventSecurityEvent}, ActorTypeNot: "system"},
				RiskLevel: RiskHigh,
				Tags:      []string{"security"},
			},
			{
				Name:      "security-event-system",
				Match:     RuleMatch{EventTypes: []EventType{EventSecurityEvent}},
				RiskLevel: RiskMedium,
				Tags:      []string{"security"},
			},
			{
				Name:      "financial-large-amount",
				Match:     RuleMatch{Categories: []string{"financial"}, AmountAbove: &amountThreshold},
				RiskLevel: RiskCritical,
				Tags:      []string{"financial-control"},
			},
			{
				Name:      "financial",
				Match:     RuleMatch{Categories: []string{"financial"}},
				RiskLevel: RiskHigh,
				Tags:      []string{"financial-control"},
			},
			{
				Name:      "authentication",
				Match:     RuleMatch{Categories: []string{"authentication"}},
				RiskLevel: RiskMedium,
				Tags:      []string{"authentication", "GDPR"},
			},
			{
				Name:      "compliance-event",
				Match:     RuleMatch{EventTypes: []EventType{EventComplianceEvent}},
				RiskLevel: RiskHigh,
				Tags:      []string{"compliance"},
			},
			{
				Name:      "data-modification",
				Match:     RuleMatch{EventTypes: []EventType{EventDataModification}},
				RiskLevel: RiskMedium,
				Tags:      []string{"data-integrity"},
			},
			{
				Name:      "admin-action",
				Match:     RuleMatch{EventTypes: []EventType{EventAdminAction}},
				RiskLevel: RiskMedium,
				Tags:      []string{"admin"},
			},
			{
				Name:      "system-event",
				Match:     RuleMatch{EventTypes: []EventType{EventSystemEvent}},
				RiskLevel: RiskLow,
				Tags:      []string{"system"},
			},
		},
		Escalations: []Rule{
			{
				Name:       "repeated-failures",
				Match:      RuleMatch{FailuresAtLeast: &failureThreshold},
				EscalateBy: 1,
			},
		},
	}
}

// matches reports whether the predicate accepts the event.
func (m *RuleMatch) matches(ev *RawEvent) bool {
	if len(m.EventTypes) > 0 && !containsEventType(m.EventTypes, ev.EventType) {
		return false
	}
	if len(m.Categories) > 0 && !containsString(m.Categories, ev.Category) {
		return false
	}
	if len(m.ActorTypes) > 0 && !containsString(m.ActorTypes, ev.ActorType) {
		return false
	}
	if m.ActorTypeNot != "" && ev.ActorType == m.ActorTypeNot {
		return false
	}
	if m.AmountAbove != nil {
		amount, ok := metadataAmount(ev.Metadata)
		if !ok || amount <= *m.AmountAbove {
			return false
		}
	}
	if m.FailuresAtLeast != nil && ev.RecentFailures < *m.FailuresAtLeast {
		return false
	}
	return true
}

// metadataAmount extracts a numeric "amount" from event metadata. JSON
// decoding yields float64; direct Go callers may pass int variants.
func metadataAmount(meta map[string]any) (float64, bool) {
	v, ok := meta["amount"]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func containsEventType(list []EventType, t EventType) bool {
	for _, v := range list {
		if v == t {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Classifier assigns a risk level and compliance tags to incoming events.
// The rule set pointer is swapped atomically on reload, so Classify is safe
// for concurrent use.
type Classifier struct {
	mu    sync.RWMutex
	rules *RuleSet
}

// NewClassifier creates a classifier with the given rule set, falling back to
// the built-in defaults when nil.
func NewClassifier(rules *RuleSet) *Classifier {
	if rules == nil {
		rules = DefaultRuleSet()
	}
	return &Classifier{rules: rules}
}

// Reload atomically replaces the rule set. Callers keep the previous set on a
// failed parse, so a broken rule file never degrades classification.
func (c *Classifier) Reload(rules *RuleSet) {
	if rules == nil {
		return
	}
	c.mu.Lock()
	c.rules = rules
	c.mu.Unlock()
}

// Classify derives (riskLevel, complianceTags) for the event. It is
// deterministic and side-effect-free. When no rule matches, the event is
// classified at medium risk with the "unclassified" tag and
// ErrUnclassifiableEvent is returned alongside the still-usable result; the
// caller is expected to log it for rule-table maintenance.
func (c *Classifier) Classify(ev *RawEvent) (Classification, error) {
	c.mu.RLock()
	rules := c.rules
	c.mu.RUnlock()

	var (
		cls     Classification
		matched bool
	)
	for i := range rules.Rules {
		r := &rules.Rules[i]
		if r.Match.matches(ev) {
			cls = Classification{
				RiskLevel: r.RiskLevel,
				Tags:      append([]string(nil), r.Tags...),
			}
			matched = true
			break
		}
	}

	var err error
	if !matched {
		cls = Classification{RiskLevel: RiskMedium, Tags: []string{TagUnclassified}}
		err = fmt.Errorf("%w: type=%s category=%s", ErrUnclassifiableEvent, ev.EventType, ev.Category)
	}

	for i := range rules.Escalations {
		r := &rules.Escalations[i]
		if r.EscalateBy > 0 && r.Match.matches(ev) {
			cls.RiskLevel = cls.RiskLevel.Escalate(r.EscalateBy)
			cls.Tags = appendUnique(cls.Tags, r.Tags...)
		}
	}

	return cls, err
}

func appendUnique(tags []string, more ...string) []string {
	for _, t := range more {
		if !containsString(tags, t) {
			tags = append(tags, t)
		}
	}
	return tags
}

// LoadRuleFile parses a YAML rule file. Unknown risk levels or event types
// are rejected so a typo cannot silently weaken classification.
func LoadRuleFile(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from operator configuration, not request input
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file: %w", err)
	}

	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("failed to parse rule file: %w", err)
	}

	for i := range rs.Rules {
		r := &rs.Rules[i]
		if !r.RiskLevel.Valid() {
			return nil, fmt.Errorf("rule %q: invalid risk level %q", r.Name, r.RiskLevel)
		}
		for _, et := range r.Match.EventTypes {
			if !et.Valid() {
				return nil, fmt.Errorf("rule %q: invalid event type %q", r.Name, et)
			}
		}
	}
	for i := range rs.Escalations {
		r := &rs.Escalations[i]
		if r.EscalateBy <= 0 {
			return nil, fmt.Errorf("escalation %q: escalate_by must be positive", r.Name)
		}
	}
	return &rs, nil
}
