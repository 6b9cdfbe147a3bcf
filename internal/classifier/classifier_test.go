package classifier

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-healer/internal/models"
)

func event(text string) models.FailureEvent {
	return models.FailureEvent{Source: "jenkins", JobName: "deploy-web", Stage: "install", ErrorText: text}
}

func TestClassifyDefaultRules(t *testing.T) {
	c := NewDefault()

	cases := []struct {
		text     string
		rule     string
		category models.Category
		severity models.Severity
	}{
		{"mkdir: cannot create directory '/opt/app': Permission denied", "permission-denied", models.CategoryPermission, models.SeverityHigh},
		{"write /var/lib/docker: No space left on device", "disk-full", models.CategoryResourceExhaustion, models.SeverityCritical},
		{"container web was OOMKilled", "out-of-memory", models.CategoryResourceExhaustion, models.SeverityCritical},
		{"curl: (7) Failed to connect: Connection refused", "network-unreachable", models.CategoryNetwork, models.SeverityHigh},
		{"E: Unable to locate package nginx", "package-missing", models.CategoryPackage, models.SeverityMedium},
		{"ModuleNotFoundError: No module named 'requests'", "package-missing", models.CategoryPackage, models.SeverityMedium},
		{"Failed to start A high performance web server and reverse proxy", "service-down", models.CategoryService, models.SeverityHigh},
		{"postgres is not running", "service-down", models.CategoryService, models.SeverityHigh},
		{"nginx: [emerg] unknown directive \"servr\"", "configuration", models.CategoryConfiguration, models.SeverityMedium},
	}
	for _, tc := range cases {
		t.Run(tc.rule, func(t *testing.T) {
			class, fp := c.Classify(event(tc.text))
			assert.Equal(t, tc.rule, class.Rule)
			assert.Equal(t, tc.category, class.Category)
			assert.Equal(t, tc.severity, class.Severity)
			assert.Len(t, fp.String(), 64)
		})
	}
}

func TestClassifyFirstMatchWins(t *testing.T) {
	class, _ := NewDefault().Classify(event("open /etc/app.yaml: permission denied; yaml: line 3 invalid"))
	assert.Equal(t, "permission-denied", class.Rule)
}

func TestClassifyUnknownFallback(t *testing.T) {
	class, _ := NewDefault().Classify(event("the flux capacitor hiccupped"))
	assert.Equal(t, models.CategoryUnknown, class.Category)
	assert.Equal(t, models.SeverityMedium, class.Severity)
	assert.Empty(t, class.Rule)
}

func TestClassifyIsDeterministic(t *testing.T) {
	c := NewDefault()
	ev := event("E: Unable to locate package nginx")
	firstClass, firstFP := c.Classify(ev)
	for i := 0; i < 50; i++ {
		class, fp := c.Classify(ev)
		require.Equal(t, firstClass, class)
		require.Equal(t, firstFP, fp)
	}
}

func TestFingerprintIgnoresVolatileDetails(t *testing.T) {
	a := event("2024-03-01T10:00:00Z E: Unable to locate package nginx (build 1201)")
	b := event("2024-03-05T08:12:44Z E: Unable to locate package nginx (build 1288)")
	b.Source = "JENKINS"
	b.BuildID = "1288"
	assert.Equal(t, Fingerprint(a), Fingerprint(b))

	c := a
	c.Stage = "verify"
	assert.NotEqual(t, Fingerprint(a), Fingerprint(c))
}

func TestLoadRulesFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "classifier.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`version: "custom-1"
rules:
  - id: flaky-test
    category: configuration
    severity: low
    patterns: ["test .* flaked"]
`), 0o644))

	rules, err := LoadRules(path)
	require.NoError(t, err)
	c, err := New(rules)
	require.NoError(t, err)
	assert.Equal(t, "custom-1", c.Version())

	class, _ := c.Classify(event("test TestCheckout flaked twice"))
	assert.Equal(t, "flaky-test", class.Rule)
	assert.Equal(t, models.SeverityLow, class.Severity)
}

func TestLoadRulesMissingFileFallsBack(t *testing.T) {
	rules, err := LoadRules(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultRulesVersion, rules.Version)
}

func TestNewRejectsInvalidRules(t *testing.T) {
	_, err := New(RuleSet{Version: "x", Rules: []Rule{{ID: "a", Category: "weird", Severity: models.SeverityLow, Patterns: []string{"x"}}}})
	assert.Error(t, err)

	_, err = New(RuleSet{Version: "x", Rules: []Rule{{ID: "a", Category: models.CategoryNetwork, Severity: models.SeverityLow, Patterns: []string{"("}}}})
	assert.Error(t, err)
}
