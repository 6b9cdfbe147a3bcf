package safety

import (
	"github.com/miradorstack/mirador-healer/internal/models"
)

// Validator scores remediation plans against a rule table. It is stateless after
// construction and safe for concurrent use.
type Validator struct {
	rules RuleSet
}

// New compiles rules into a validator.
func New(rules RuleSet) (*Validator, error) {
	rules.Rules = append([]Rule(nil), rules.Rules...)
	if err := rules.Compile(); err != nil {
		return nil, err
	}
	return &Validator{rules: rules}, nil
}

// NewDefault returns a validator over the built-in rules.
func NewDefault() *Validator {
	v, err := New(DefaultRules())
	if err != nil {
		panic(err)
	}
	return v
}

// Version returns the loaded rule table version.
func (v *Validator) Version() string { return v.rules.Version }

// RuleIDs lists the rule identifiers in evaluation order.
func (v *Validator) RuleIDs() []string {
	ids := make([]string, 0, len(v.rules.Rules))
	for _, r := range v.rules.Rules {
		ids = append(ids, r.ID)
	}
	return ids
}

// Assess scores plan without event weighting.
func (v *Validator) Assess(plan models.RemediationPlan) models.RiskAssessment {
	return v.AssessWeighted(plan, "")
}

// AssessWeighted scores plan, raising medium risk to high for critical events.
// The result is never lower than the oracle's own risk claim; an unknown claim
// counts as medium.
func (v *Validator) AssessWeighted(plan models.RemediationPlan, severity models.Severity) models.RiskAssessment {
	claimed := plan.Risk
	if !claimed.Valid() {
		claimed = models.RiskMedium
	}

	risk := claimed
	var flagged []models.FlaggedRule
	destructive := false

	for _, kind := range []models.StepKind{models.StepDiagnose, models.StepFix, models.StepVerify} {
		for _, cmd := range plan.Commands(kind) {
			for i := range v.rules.Rules {
				rule := &v.rules.Rules[i]
				if !rule.matches(cmd) {
					continue
				}
				floor := rule.Floor
				if kind != models.StepFix && !rule.Destructive {
					floor = floor.Lower()
				}
				if rule.Destructive {
					destructive = true
				}
				risk = models.MaxRisk(risk, floor)
				flagged = append(flagged, models.FlaggedRule{
					RuleID:      rule.ID,
					Description: rule.Description,
					Kind:        kind,
					Command:     cmd,
					Floor:       floor,
					Destructive: rule.Destructive,
				})
			}
		}
	}

	if severity == models.SeverityCritical && risk == models.RiskMedium {
		risk = models.RiskHigh
	}

	return models.RiskAssessment{
		Risk:             risk,
		Flagged:          flagged,
		RequiresApproval: destructive || risk.Rank() >= models.RiskHigh.Rank(),
		RuleVersion:      v.rules.Version,
	}
}
