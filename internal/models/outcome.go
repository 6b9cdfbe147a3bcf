package models

import "time"

// OutcomeRecord is appended to the ledger exactly once per finished session.
type OutcomeRecord struct {
	SessionID   string        `json:"session_id"`
	Fingerprint Fingerprint   `json:"fingerprint"`
	Source      string        `json:"source"`
	JobName     string        `json:"job_name"`
	Target      string        `json:"target,omitempty"`
	Category    Category      `json:"category"`
	Risk        RiskLevel     `json:"risk,omitempty"`
	FinalState  State         `json:"final_state"`
	Reason      string        `json:"reason,omitempty"`
	Duration    time.Duration `json:"duration"`
	RetryCount  int           `json:"retry_count"`
	FinishedAt  time.Time     `json:"finished_at"`
}

// Succeeded reports whether the session ended in SUCCEEDED.
func (r OutcomeRecord) Succeeded() bool { return r.FinalState == StateSucceeded }

// StatsFilter narrows which outcome records contribute to statistics.
type StatsFilter struct {
	Source   string
	Category Category
	Target   string
	Since    time.Time
	Until    time.Time
}

// Matches reports whether r passes the filter.
func (f StatsFilter) Matches(r OutcomeRecord) bool {
	if f.Source != "" && f.Source != r.Source {
		return false
	}
	if f.Category != "" && f.Category != r.Category {
		return false
	}
	if f.Target != "" && f.Target != r.Target {
		return false
	}
	if !f.Since.IsZero() && r.FinishedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && r.FinishedAt.After(f.Until) {
		return false
	}
	return true
}

// Bucket aggregates outcomes for one category or target.
type Bucket struct {
	Total       int           `json:"total"`
	Succeeded   int           `json:"succeeded"`
	Escalated   int           `json:"escalated"`
	Failed      int           `json:"failed"`
	SuccessRate float64       `json:"success_rate"`
	AvgDuration time.Duration `json:"avg_duration"`
	AvgRetries  float64       `json:"avg_retries"`
}

// Stats is the aggregate view over the outcome ledger.
type Stats struct {
	Total       int                 `json:"total"`
	SuccessRate float64             `json:"success_rate"`
	ByCategory  map[Category]Bucket `json:"by_category"`
	ByTarget    map[string]Bucket   `json:"by_target"`
}
