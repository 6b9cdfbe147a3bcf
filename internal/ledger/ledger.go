package ledger

import (
	"context"
	"sync"

	"github.com/miradorstack/mirador-healer/internal/models"
)

// Ledger is the append-only record of finished sessions.
type Ledger interface {
	Append(ctx context.Context, record models.OutcomeRecord) error
	Records(ctx context.Context, filter models.StatsFilter) ([]models.OutcomeRecord, error)
}

// MemoryLedger keeps outcomes in process memory.
type MemoryLedger struct {
	mu      sync.RWMutex
	records []models.OutcomeRecord
}

// NewMemoryLedger returns an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

// Append stores record.
func (l *MemoryLedger) Append(_ context.Context, record models.OutcomeRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, record)
	return nil
}

// Records returns the outcomes matching filter in append order.
func (l *MemoryLedger) Records(_ context.Context, filter models.StatsFilter) ([]models.OutcomeRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.OutcomeRecord, 0, len(l.records))
	for _, r := range l.records {
		if filter.Matches(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Len returns the number of stored records.
func (l *MemoryLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}
