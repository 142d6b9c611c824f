package rules

import (
	"github.com/narrativekit/canon-engine/pkg/state"
)

// Violation severities.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// Gate dispositions, from best to worst.
const (
	ActionPass    = "PASS"
	ActionAutoFix = "AUTO_FIX"
	ActionRewrite = "REWRITE"
	ActionAskUser = "ASK_USER"
)

// Violation is a single rule finding. Fixable violations carry enough
// context for the gate to synthesize a repair patch.
type Violation struct {
	RuleID   string `json:"rule_id"`
	RuleName string `json:"rule_name"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	EntityID string `json:"entity_id,omitempty"`
	Fixable  bool   `json:"fixable"`
}

// Result is the gate's verdict over a batch of pending events or a
// narrative draft. Fixes is set only for AUTO_FIX; Questions only for
// ASK_USER.
type Result struct {
	Action     string            `json:"action"`
	Reasons    []string          `json:"reasons,omitempty"`
	Violations []Violation       `json:"violations,omitempty"`
	Fixes      *state.StatePatch `json:"fixes,omitempty"`
	Questions  []string          `json:"questions,omitempty"`
}

// Errors returns the error-severity violations.
func (r *Result) Errors() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity == SeverityError {
			out = append(out, v)
		}
	}
	return out
}
