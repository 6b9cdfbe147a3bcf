package ledger

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-healer/internal/models"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func record(id string, cat models.Category, target string, state models.State, retries int, d time.Duration) models.OutcomeRecord {
	return models.OutcomeRecord{
		SessionID:  id,
		Source:     "jenkins",
		Category:   cat,
		Target:     target,
		FinalState: state,
		RetryCount: retries,
		Duration:   d,
		FinishedAt: base,
	}
}

func TestAggregateEmpty(t *testing.T) {
	stats := Aggregate(nil)
	assert.Zero(t, stats.Total)
	assert.Zero(t, stats.SuccessRate)
	assert.NotNil(t, stats.ByCategory)
	assert.NotNil(t, stats.ByTarget)
}

func TestAggregateBuckets(t *testing.T) {
	stats := Aggregate([]models.OutcomeRecord{
		record("1", models.CategoryPackage, "web-1", models.StateSucceeded, 0, 10*time.Second),
		record("2", models.CategoryPackage, "web-1", models.StateEscalated, 3, 30*time.Second),
		record("3", models.CategoryNetwork, "web-2", models.StateSucceeded, 1, 20*time.Second),
		record("4", models.CategoryNetwork, "", models.StateFailed, 0, 0),
	})

	assert.Equal(t, 4, stats.Total)
	assert.InDelta(t, 0.5, stats.SuccessRate, 1e-9)

	pkg := stats.ByCategory[models.CategoryPackage]
	assert.Equal(t, 2, pkg.Total)
	assert.Equal(t, 1, pkg.Succeeded)
	assert.Equal(t, 1, pkg.Escalated)
	assert.InDelta(t, 0.5, pkg.SuccessRate, 1e-9)
	assert.Equal(t, 20*time.Second, pkg.AvgDuration)
	assert.InDelta(t, 1.5, pkg.AvgRetries, 1e-9)

	assert.Equal(t, 1, stats.ByTarget["unknown"].Failed)
	assert.InDelta(t, 1.0, stats.ByTarget["web-2"].SuccessRate, 1e-9)
}

func TestMemoryLedgerFiltersAndConcurrentAppends(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cat := models.CategoryPackage
			if i%2 == 0 {
				cat = models.CategoryNetwork
			}
			assert.NoError(t, l.Append(ctx, record(fmt.Sprint(i), cat, "web", models.StateSucceeded, 0, time.Second)))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, l.Len())
	network, err := l.Records(ctx, models.StatsFilter{Category: models.CategoryNetwork})
	require.NoError(t, err)
	assert.Len(t, network, 25)

	none, err := l.Records(ctx, models.StatsFilter{Since: base.Add(time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRedisLedgerRoundTrip(t *testing.T) {
	url := os.Getenv("HEALER_TEST_REDIS_URL")
	if url == "" {
		t.Skip("HEALER_TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	ctx := context.Background()
	key := "healer:test:outcomes:" + time.Now().Format(time.RFC3339Nano)
	defer rdb.Del(ctx, key)

	l := NewRedisLedger(rdb, key)
	require.NoError(t, l.Append(ctx, record("a", models.CategoryService, "db-1", models.StateSucceeded, 1, time.Minute)))
	require.NoError(t, l.Append(ctx, record("b", models.CategoryPackage, "db-1", models.StateEscalated, 3, time.Minute)))

	got, err := l.Records(ctx, models.StatsFilter{Category: models.CategoryService})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].SessionID)
	assert.Equal(t, time.Minute, got[0].Duration)
}
