package safety

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

// Rule flags commands matching any of its patterns. Destructive rules force
// critical risk and human approval regardless of the step they appear in.
type Rule struct {
	ID          string           `yaml:"id"`
	Description string           `yaml:"description"`
	Patterns    []string         `yaml:"patterns"`
	Floor       models.RiskLevel `yaml:"floor"`
	Destructive bool             `yaml:"destructive"`

	compiled []*regexp.Regexp
}

// RuleSet is a versioned, ordered rule table.
type RuleSet struct {
	Version string `yaml:"version"`
	Rules   []Rule `yaml:"rules"`
}

// DefaultRules returns the built-in policy.
func DefaultRules() RuleSet {
	return RuleSet{
		Version: DefaultRulesVersion,
		Rules: []Rule{
			// Deny-list.
			{
				ID:          "recursive-force-delete",
				Description: "recursive forced removal",
				Patterns: []string{
					`\brm\s+(?:-\S+\s+)*-[a-z]*(?:r[a-z]*f|f[a-z]*r)[a-z]*\b`,
					`\brm\s+.*-r\b.*\s-f\b`,
					`\brm\s+.*-f\b.*\s-r\b`,
					`\brm\s+.*--recursive\b.*--force\b`,
					`\brm\s+.*--force\b.*--recursive\b`,
				},
				Floor:       models.RiskCritical,
				Destructive: true,
			},
			{
				ID:          "filesystem-format",
				Description: "filesystem creation or wipe",
				Patterns:    []string{`\bmkfs(?:\.\w+)?\b`, `\bwipefs\b`, `\bmkswap\s+/dev/`},
				Floor:       models.RiskCritical,
				Destructive: true,
			},
			{
				ID:          "raw-disk-write",
				Description: "raw write to a block device",
				Patterns:    []string{`\bdd\b.*\bof=/dev/`, `>\s*/dev/(?:sd|hd|vd|xvd|nvme|mmcblk)`},
				Floor:       models.RiskCritical,
				Destructive: true,
			},
			{
				ID:          "reboot-shutdown",
				Description: "host reboot or power-off",
				Patterns:    []string{`\b(?:reboot|shutdown|poweroff|halt)\b`, `\binit\s+[06]\b`},
				Floor:       models.RiskCritical,
				Destructive: true,
			},
			{
				ID:          "privileged-recursive-permission",
				Description: "privileged recursive ownership or mode change",
				Patterns: []string{
					`\b(?:sudo|doas)\b.*\b(?:chmod|chown|chgrp)\b.*\s-[a-z]*r[a-z]*\b`,
					`\bsu\s+(?:\S+\s+)*-c\b.*\b(?:chmod|chown|chgrp)\b.*\s-[a-z]*r[a-z]*\b`,
				},
				Floor:       models.RiskCritical,
				Destructive: true,
			},
			{
				ID:          "fork-bomb",
				Description: "shell fork bomb",
				Patterns:    []string{`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`},
				Floor:       models.RiskCritical,
				Destructive: true,
			},
			// Elevated but routine remediation.
			{
				ID:          "service-restart",
				Description: "service restart, stop or reload",
				Patterns: []string{
					`\bsystemctl\s+(?:-\S+\s+)*(?:restart|stop|reload|try-restart)\b`,
					`\bservice\s+\S+\s+(?:restart|stop|reload)\b`,
					`\bdocker\s+(?:container\s+)?(?:restart|stop)\b`,
				},
				Floor: models.RiskMedium,
			},
			{
				ID:          "package-removal",
				Description: "package removal",
				Patterns: []string{
					`\b(?:apt|apt-get|yum|dnf|zypper)\s+(?:-\S+\s+)*(?:remove|purge|erase|autoremove)\b`,
					`\b(?:pip3?|npm)\s+uninstall\b`,
					`\bapk\s+del\b`,
				},
				Floor: models.RiskMedium,
			},
			{
				ID:          "config-overwrite",
				Description: "write into /etc",
				Patterns: []string{
					`>>?\s*/etc/`,
					`\btee\s+(?:-\S+\s+)*/etc/`,
					`\bsed\s+(?:\S+\s+)*-i\b.*\s/etc/`,
					`\b(?:cp|mv|install)\s+.*\s/etc/`,
				},
				Floor: models.RiskMedium,
			},
			{
				ID:          "process-kill",
				Description: "forced process termination",
				Patterns:    []string{`\bkill\s+-(?:9|kill|sigkill)\b`, `\bkillall\b`, `\bpkill\b`},
				Floor:       models.RiskMedium,
			},
		},
	}
}

// Compile validates the rule set and prepares its patterns.
func (rs *RuleSet) Compile() error {
	if rs.Version == "" {
		return errors.New("safety: rule set has no version")
	}
	seen := make(map[string]struct{}, len(rs.Rules))
	for i := range rs.Rules {
		rule := &rs.Rules[i]
		if rule.ID == "" {
			return fmt.Errorf("safety: rule %d has no id", i)
		}
		if _, dup := seen[rule.ID]; dup {
			return fmt.Errorf("safety: duplicate rule id %q", rule.ID)
		}
		seen[rule.ID] = struct{}{}
		if rule.Destructive {
			rule.Floor = models.RiskCritical
		}
		if !rule.Floor.Valid() {
			return fmt.Errorf("safety: rule %q has unknown floor %q", rule.ID, rule.Floor)
		}
		if len(rule.Patterns) == 0 {
			return fmt.Errorf("safety: rule %q has no patterns", rule.ID)
		}
		rule.compiled = make([]*regexp.Regexp, 0, len(rule.Patterns))
		for _, p := range rule.Patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return fmt.Errorf("safety: rule %q: %w", rule.ID, err)
			}
			rule.compiled = append(rule.compiled, re)
		}
	}
	return nil
}

func (r *Rule) matches(command string) bool {
	for _, re := range r.compiled {
		if re.MatchString(command) {
			return true
		}
	}
	return false
}

// LoadRules reads a YAML policy. An empty path or a missing file yields the
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
		return RuleSet{}, fmt.Errorf("safety: parse %s: %w", path, err)
	}
	return rs, nil
}
