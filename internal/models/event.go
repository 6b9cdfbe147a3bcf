package models

import "time"

// FailureEvent is a normalized pipeline failure handed over by the ingestion layer.
// It is never mutated after construction.
type FailureEvent struct {
	Source     string    `json:"source" yaml:"source"`
	JobName    string    `json:"job_name" yaml:"job_name"`
	Stage      string    `json:"stage" yaml:"stage"`
	BuildID    string    `json:"build_id,omitempty" yaml:"build_id,omitempty"`
	ErrorText  string    `json:"error_text" yaml:"error_text"`
	TargetHost string    `json:"target_host,omitempty" yaml:"target_host,omitempty"`
	Timestamp  time.Time `json:"timestamp" yaml:"timestamp"`
}

// Category enumerates failure families recognised by the classifier.
type Category string

const (
	CategoryPackage            Category = "package"
	CategoryService            Category = "service"
	CategoryPermission         Category = "permission"
	CategoryNetwork            Category = "network"
	CategoryConfiguration      Category = "configuration"
	CategoryResourceExhaustion Category = "resource_exhaustion"
	CategoryUnknown            Category = "unknown"
)

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryPackage, CategoryService, CategoryPermission, CategoryNetwork,
		CategoryConfiguration, CategoryResourceExhaustion, CategoryUnknown:
		return true
	}
	return false
}

// Severity captures impact levels.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Classification is the classifier verdict for a single event.
type Classification struct {
	Category Category `json:"category"`
	Severity Severity `json:"severity"`
	// Rule is the id of the matching rule, empty when nothing matched.
	Rule string `json:"rule,omitempty"`
}

// Fingerprint identifies the underlying problem behind a failure event.
type Fingerprint string

func (f Fingerprint) String() string { return string(f) }

// Short returns a log-friendly prefix of the fingerprint.
func (f Fingerprint) Short() string {
	if len(f) <= 12 {
		return string(f)
	}
	return string(f[:12])
}
