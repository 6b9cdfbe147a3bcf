package classifier

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/miradorstack/mirador-healer/internal/extractors"
	"github.com/miradorstack/mirador-healer/internal/models"
)

// Classifier assigns a category, severity and fingerprint to failure events.
// It holds no mutable state and is safe for concurrent use.
type Classifier struct {
	rules RuleSet
}

// New compiles rules into a classifier.
func New(rules RuleSet) (*Classifier, error) {
	rules.Rules = append([]Rule(nil), rules.Rules...)
	if err := rules.Compile(); err != nil {
		return nil, err
	}
	return &Classifier{rules: rules}, nil
}

// NewDefault returns a classifier over the built-in rule table.
func NewDefault() *Classifier {
	c, err := New(DefaultRules())
	if err != nil {
		panic(err)
	}
	return c
}

// Version returns the version of the loaded rule table.
func (c *Classifier) Version() string { return c.rules.Version }

// Classify returns the first matching rule's verdict and the event fingerprint.
func (c *Classifier) Classify(event models.FailureEvent) (models.Classification, models.Fingerprint) {
	fp := Fingerprint(event)
	for i := range c.rules.Rules {
		rule := &c.rules.Rules[i]
		if rule.matches(event.ErrorText) {
			return models.Classification{Category: rule.Category, Severity: rule.Severity, Rule: rule.ID}, fp
		}
	}
	return models.Classification{Category: models.CategoryUnknown, Severity: models.SeverityMedium}, fp
}

// Fingerprint hashes the event identity together with its normalized error signature.
func Fingerprint(event models.FailureEvent) models.Fingerprint {
	parts := []string{
		strings.ToLower(strings.TrimSpace(event.Source)),
		strings.ToLower(strings.TrimSpace(event.JobName)),
		strings.ToLower(strings.TrimSpace(event.Stage)),
		extractors.NormalizeSignature(event.ErrorText),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return models.Fingerprint(hex.EncodeToString(sum[:]))
}
