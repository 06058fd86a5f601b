package audit_test

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/tradeforge/compliance-backend/internal/audit"
)

func classify(t *testing.T, ev *audit.RawEvent) audit.Classification {
	t.Helper()
	cls, err := audit.NewClassifier(nil).Classify(ev)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	return cls
}

// ---------------------------------------------------------------------------
// Default rule table
// ---------------------------------------------------------------------------

func TestClassify_SecurityEventByActorType(t *testing.T) {
	userEvent := &audit.RawEvent{
		EventType: audit.EventSecurityEvent,
		Category:  "unauthorized_access",
		ActorType: "user",
	}
	if cls := classify(t, userEvent); cls.RiskLevel != audit.RiskHigh {
		t.Errorf("user security event = %s, want high", cls.RiskLevel)
	}

	systemEvent := &audit.RawEvent{
		EventType: audit.EventSecurityEvent,
		Category:  "certificate_rotation",
		ActorType: "system",
	}
	if cls := classify(t, systemEvent); cls.RiskLevel != audit.RiskMedium {
		t.Errorf("system security event = %s, want medium", cls.RiskLevel)
	}
}

func TestClassify_FinancialAmountThreshold(t *testing.T) {
	cases := []struct {
		amount any
		want   audit.RiskLevel
	}{
		{50000.0, audit.RiskCritical},
		{10000.01, audit.RiskCritical},
		{10000.0, audit.RiskHigh}, // threshold is strictly above
		{250, audit.RiskHigh},     // int amounts from direct Go callers
		{nil, audit.RiskHigh},
	}
	for _, tc := range cases {
		ev := &audit.RawEvent{
			EventType: audit.EventDataModification,
			Category:  "financial",
			ActorType: "user",
		}
		if tc.amount != nil {
			ev.Metadata = map[string]any{"amount": tc.amount}
		}
		if cls := classify(t, ev); cls.RiskLevel != tc.want {
			t.Errorf("amount=%v: risk = %s, want %s", tc.amount, cls.RiskLevel, tc.want)
		}
	}
}

func TestClassify_AuthenticationTags(t *testing.T) {
	cls := classify(t, &audit.RawEvent{
		EventType: audit.EventSystemEvent,
		Category:  "authentication",
		ActorType: "user",
	})
	if cls.RiskLevel != audit.RiskMedium {
		t.Errorf("risk = %s, want medium", cls.RiskLevel)
	}
	want := []string{"authentication", "GDPR"}
	if !reflect.DeepEqual(cls.Tags, want) {
		t.Errorf("tags = %v, want %v", cls.Tags, want)
	}
}

func TestClassify_FirstMatchWins(t *testing.T) {
	// A security event in the financial category hits the security rule
	// first; the financial rules are never consulted.
	cls := classify(t, &audit.RawEvent{
		EventType: audit.EventSecurityEvent,
		Category:  "financial",
		ActorType: "user",
		Metadata:  map[string]any{"amount": 90000.0},
	})
	if cls.RiskLevel != audit.RiskHigh {
		t.Errorf("risk = %s, want high from security rule", cls.RiskLevel)
	}
	if !reflect.DeepEqual(cls.Tags, []string{"security"}) {
		t.Errorf("tags = %v, want [security]", cls.Tags)
	}
}

func TestClassify_RepeatedFailuresEscalation(t *testing.T) {
	ev := &audit.RawEvent{
		EventType:      audit.EventSystemEvent,
		Category:       "authentication",
		ActorType:      "user",
		RecentFailures: 5,
	}
	if cls := classify(t, ev); cls.RiskLevel != audit.RiskHigh {
		t.Errorf("risk = %s, want high (medium escalated once)", cls.RiskLevel)
	}

	ev.RecentFailures = 4
	if cls := classify(t, ev); cls.RiskLevel != audit.RiskMedium {
		t.Errorf("risk = %s, want medium below threshold", cls.RiskLevel)
	}
}

func TestClassify_EscalationCapsAtCritical(t *testing.T) {
	cls := classify(t, &audit.RawEvent{
		EventType:      audit.EventDataModification,
		Category:       "financial",
		ActorType:      "user",
		Metadata:       map[string]any{"amount": 20000.0},
		RecentFailures: 9,
	})
	if cls.RiskLevel != audit.RiskCritical {
		t.Errorf("risk = %s, want critical", cls.RiskLevel)
	}
}

func TestClassify_NoMatchDegradesGracefully(t *testing.T) {
	rules := &audit.RuleSet{Rules: []audit.Rule{{
		Name:      "only-admin",
		Match:     audit.RuleMatch{EventTypes: []audit.EventType{audit.EventAdminAction}},
		RiskLevel: audit.RiskLow,
	}}}
	cls, err := audit.NewClassifier(rules).Classify(&audit.RawEvent{
		EventType: audit.EventSystemEvent,
		Category:  "startup",
	})
	if !errors.Is(err, audit.ErrUnclassifiableEvent) {
		t.Fatalf("err = %v, want ErrUnclassifiableEvent", err)
	}
	if cls.RiskLevel != audit.RiskMedium {
		t.Errorf("fallback risk = %s, want medium", cls.RiskLevel)
	}
	if !reflect.DeepEqual(cls.Tags, []string{audit.TagUnclassified}) {
		t.Errorf("fallback tags = %v, want [unclassified]", cls.Tags)
	}
}

func TestClassify_Deterministic(t *testing.T) {
	ev := &audit.RawEvent{
		EventType: audit.EventSecurityEvent,
		Category:  "unauthorized_access",
		ActorType: "user",
		Metadata:  map[string]any{"amount": 123.0},
	}
	c := audit.NewClassifier(nil)
	first, err := c.Classify(ev)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := c.Classify(ev)
		if err != nil {
			t.Fatalf("Classify #%d: %v", i, err)
		}
		if again.RiskLevel != first.RiskLevel || !reflect.DeepEqual(again.Tags, first.Tags) {
			t.Fatalf("classification drifted on repeat call: %+v vs %+v", again, first)
		}
	}
}

// ---------------------------------------------------------------------------
// Rule files
// ---------------------------------------------------------------------------

func writeRuleFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write rule file: %v", err)
	}
	return path
}

func TestLoadRuleFile_Valid(t *testing.T) {
	path := writeRuleFile(t, `
rules:
  - name: pricing-overrides
    match:
      event_types: [admin_action]
      categories: [pricing]
    risk_level: high
    tags: [pricing, SOX]
escalations:
  - name: repeated-failures
    match:
      failures_at_least: 3
    escalate_by: 2
`)
	rs, err := audit.LoadRuleFile(path)
	if err != nil {
		t.Fatalf("LoadRuleFile: %v", err)
	}

	cls, err := audit.NewClassifier(rs).Classify(&audit.RawEvent{
		EventType:      audit.EventAdminAction,
		Category:       "pricing",
		ActorType:      "admin",
		RecentFailures: 3,
	})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if cls.RiskLevel != audit.RiskCritical {
		t.Errorf("risk = %s, want critical (high escalated by 2, capped)", cls.RiskLevel)
	}
}

func TestLoadRuleFile_RejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"bad risk level", "rules:\n  - name: r\n    risk_level: enormous\n"},
		{"bad event type", "rules:\n  - name: r\n    risk_level: low\n    match:\n      event_types: [nonsense]\n"},
		{"non-positive escalation", "escalations:\n  - name: e\n    escalate_by: 0\n"},
		{"not yaml", "{{{"},
	}
	for _, tc := range cases {
		path := writeRuleFile(t, tc.content)
		if _, err := audit.LoadRuleFile(path); err == nil {
			t.Errorf("%s: LoadRuleFile succeeded, want error", tc.name)
		}
	}
}

func TestReload_SwapsRuleSet(t *testing.T) {
	c := audit.NewClassifier(nil)
	ev := &audit.RawEvent{
		EventType: audit.EventSystemEvent,
		Category:  "startup",
		ActorType: "system",
	}
	if cls, _ := c.Classify(ev); cls.RiskLevel != audit.RiskLow {
		t.Fatalf("before reload: risk = %s, want low", cls.RiskLevel)
	}

	c.Reload(&audit.RuleSet{Rules: []audit.Rule{{
		Name:      "everything-high",
		RiskLevel: audit.RiskHigh,
	}}})
	if cls, _ := c.Classify(ev); cls.RiskLevel != audit.RiskHigh {
		t.Errorf("after reload: risk = %s, want high", cls.RiskLevel)
	}

	// nil reload keeps the current set.
	c.Reload(nil)
	if cls, _ := c.Classify(ev); cls.RiskLevel != audit.RiskHigh {
		t.Errorf("after nil reload: risk = %s, want high", cls.RiskLevel)
	}
}
