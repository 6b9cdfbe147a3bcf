package models

// RiskLevel grades how dangerous a remediation plan is.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank orders risk levels; unknown values rank as zero.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	case RiskCritical:
		return 4
	default:
		return 0
	}
}

// Valid reports whether r is a known risk level.
func (r RiskLevel) Valid() bool { return r.Rank() > 0 }

// MaxRisk returns the higher of the supplied levels.
func MaxRisk(levels ...RiskLevel) RiskLevel {
	out := RiskLow
	for _, l := range levels {
		if l.Rank() > out.Rank() {
			out = l
		}
	}
	return out
}

// Lower returns the level one step below r, bottoming out at low.
func (r RiskLevel) Lower() RiskLevel {
	switch r {
	case RiskCritical:
		return RiskHigh
	case RiskHigh:
		return RiskMedium
	default:
		return RiskLow
	}
}

// RemediationPlan is the oracle's proposal for a single session.
type RemediationPlan struct {
	Diagnostics  []string  `json:"diagnostics" yaml:"diagnostics"`
	Fix          []string  `json:"fix" yaml:"fix"`
	Verification []string  `json:"verification" yaml:"verification"`
	Rationale    string    `json:"rationale" yaml:"rationale"`
	Risk         RiskLevel `json:"risk" yaml:"risk"`
}

// Commands returns the commands of the given step kind.
func (p RemediationPlan) Commands(kind StepKind) []string {
	switch kind {
	case StepDiagnose:
		return p.Diagnostics
	case StepFix:
		return p.Fix
	case StepVerify:
		return p.Verification
	default:
		return nil
	}
}

// Clone returns a deep copy of the plan.
func (p RemediationPlan) Clone() RemediationPlan {
	return RemediationPlan{
		Diagnostics:  append([]string(nil), p.Diagnostics...),
		Fix:          append([]string(nil), p.Fix...),
		Verification: append([]string(nil), p.Verification...),
		Rationale:    p.Rationale,
		Risk:         p.Risk,
	}
}

// FlaggedRule records a safety rule matching a plan command.
type FlaggedRule struct {
	RuleID      string    `json:"rule_id"`
	Description string    `json:"description"`
	Kind        StepKind  `json:"kind"`
	Command     string    `json:"command"`
	Floor       RiskLevel `json:"floor"`
	Destructive bool      `json:"destructive"`
}

// RiskAssessment is the Safety Validator verdict for a plan.
type RiskAssessment struct {
	Risk             RiskLevel     `json:"risk"`
	Flagged          []FlaggedRule `json:"flagged,omitempty"`
	RequiresApproval bool          `json:"requires_approval"`
	RuleVersion      string        `json:"rule_version"`
}

// Destructive reports whether any flagged rule is on the deny-list.
func (a RiskAssessment) Destructive() bool {
	for _, f := range a.Flagged {
		if f.Destructive {
			return true
		}
	}
	return false
}
