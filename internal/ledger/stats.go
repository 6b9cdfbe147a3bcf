package ledger

import (
	"time"

	"github.com/miradorstack/mirador-healer/internal/models"
)

// Aggregate folds outcome records into success statistics. It is pure.
func Aggregate(records []models.OutcomeRecord) models.Stats {
	stats := models.Stats{
		Total:      len(records),
		ByCategory: make(map[models.Category]models.Bucket),
		ByTarget:   make(map[string]models.Bucket),
	}
	if len(records) == 0 {
		return stats
	}

	overall := &bucketAggregate{}
	byCategory := make(map[models.Category]*bucketAggregate)
	byTarget := make(map[string]*bucketAggregate)

	for _, r := range records {
		overall.add(r)
		ensureBucket(byCategory, r.Category).add(r)

		target := r.Target
		if target == "" {
			target = "unknown"
		}
		ensureBucket(byTarget, target).add(r)
	}

	stats.SuccessRate = overall.bucket().SuccessRate
	for k, agg := range byCategory {
		stats.ByCategory[k] = agg.bucket()
	}
	for k, agg := range byTarget {
		stats.ByTarget[k] = agg.bucket()
	}
	return stats
}

type bucketAggregate struct {
	total, succeeded, escalated, failed int
	duration                            time.Duration
	retries                             int
}

func ensureBucket[K comparable](m map[K]*bucketAggregate, key K) *bucketAggregate {
	agg, ok := m[key]
	if !ok {
		agg = &bucketAggregate{}
		m[key] = agg
	}
	return agg
}

func (b *bucketAggregate) add(r models.OutcomeRecord) {
	b.total++
	switch r.FinalState {
	case models.StateSucceeded:
		b.succeeded++
	case models.StateEscalated:
		b.escalated++
	case models.StateFailed:
		b.failed++
	}
	b.duration += r.Duration
	b.retries += r.RetryCount
}

func (b *bucketAggregate) bucket() models.Bucket {
	out := models.Bucket{
		Total:     b.total,
		Succeeded: b.succeeded,
		Escalated: b.escalated,
		Failed:    b.failed,
	}
	if b.total > 0 {
		out.SuccessRate = float64(b.succeeded) / float64(b.total)
		out.AvgDuration = b.duration / time.Duration(b.total)
		out.AvgRetries = float64(b.retries) / float64(b.total)
	}
	return out
}
