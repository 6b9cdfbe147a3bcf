package classifier

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-healer/internal/models"
)

// DefaultRulesVersion identifies the built-in rule table.
const DefaultRulesVersion = "2024.1"

// Rule maps a set of case-insensitive patterns onto a category and severity.
type Rule struct {
	ID       string          `yaml:"id"`
	Category models.Category `yaml:"category"`
	Severity models.Severity `yaml:"severity"`
	Patterns []string        `yaml:"patterns"`

	compiled []*regexp.Regexp
}

// RuleSet is an ordered, versioned rule table. The first matching rule wins.
type RuleSet struct {
	Version string `yaml:"version"`
	Rules   []Rule `yaml:"rules"`
}

// DefaultRules returns the built-in classification table.
func DefaultRules() RuleSet {
	return RuleSet{
		Version: DefaultRulesVersion,
		Rules: []Rule{
			{
				ID: "permission-denied", Category: models.CategoryPermission, Severity: models.SeverityHigh,
				Patterns: []string{`permission denied`, `access denied`, `operation not permitted`, `\beacces\b`},
			},
			{
				ID: "disk-full", Category: models.CategoryResourceExhaustion, Severity: models.SeverityCritical,
				Patterns: []string{`no space left on device`, `disk quota exceeded`, `\benospc\b`},
			},
			{
				ID: "out-of-memory", Category: models.CategoryResourceExhaustion, Severity: models.SeverityCritical,
				Patterns: []string{`out of memory`, `oomkilled`, `cannot allocate memory`},
			},
			{
				ID: "network-unreachable", Category: models.CategoryNetwork, Severity: models.SeverityHigh,
				Patterns: []string{`connection refused`, `timed out`, `\btimeout\b`, `no route to host`, `could not resolve host`, `name or service not known`},
			},
			{
				ID: "package-missing", Category: models.CategoryPackage, Severity: models.SeverityMedium,
				Patterns: []string{`package not found`, `unable to locate package`, `no matching distribution`, `\be: package`, `npm err! 404`, `modulenotfounderror`, `no package .* available`},
			},
			{
				ID: "service-down", Category: models.CategoryService, Severity: models.SeverityHigh,
				Patterns: []string{`service .* failed`, `unit .* not found`, `is not running`, `failed to start`, `inactive \(dead\)`},
			},
			{
				ID: "configuration", Category: models.CategoryConfiguration, Severity: models.SeverityMedium,
				Patterns: []string{`invalid configuration`, `syntax error`, `yaml:`, `unknown directive`, `missing required`},
			},
		},
	}
}

// Compile validates the rule set and prepares its patterns.
func (rs *RuleSet) Compile() error {
	if len(rs.Rules) == 0 {
		return errors.New("classifier: rule set is empty")
	}
	seen := make(map[string]struct{}, len(rs.Rules))
	for i := range rs.Rules {
		rule := &rs.Rules[i]
		if rule.ID == "" {
			return fmt.Errorf("classifier: rule %d has no id", i)
		}
		if _, dup := seen[rule.ID]; dup {
			return fmt.Errorf("classifier: duplicate rule id %q", rule.ID)
		}
		seen[rule.ID] = struct{}{}
		if !rule.Category.Valid() {
			return fmt.Errorf("classifier: rule %q has unknown category %q", rule.ID, rule.Category)
		}
		if rule.Severity.Rank() == 0 {
			return fmt.Errorf("classifier: rule %q has unknown severity %q", rule.ID, rule.Severity)
		}
		if len(rule.Patterns) == 0 {
			return fmt.Errorf("classifier: rule %q has no patterns", rule.ID)
		}
		rule.compiled = rule.compiled[:0]
		for _, p := range rule.Patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return fmt.Errorf("classifier: rule %q: %w", rule.ID, err)
			}
			rule.compiled = append(rule.compiled, re)
		}
	}
	return nil
}

func (r *Rule) matches(text string) bool {
	for _, re := range r.compiled {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// LoadRules reads a YAML rule table. An empty path or a missing file yields the
// built-in table.
func LoadRules(path string) (RuleSet, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultRules(), nil
		}
		return RuleSet{}, err
	}
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return RuleSet{}, fmt.Errorf("classifier: parse %s: %w", path, err)
	}
	if rs.Version == "" {
		return RuleSet{}, fmt.Errorf("classifier: %s has no version", path)
	}
	return rs, nil
}
