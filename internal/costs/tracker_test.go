package costs

import (
	"context"
	"math"
	"testing"
	"time"

	"arcanum/internal/config"
	"arcanum/internal/models"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		DefaultTier: "haiku",
		Tiers: map[string]config.ModelTier{
			"haiku": {
				Model:               "test-haiku",
				InputCostPer1M:      1.00,
				OutputCostPer1M:     5.00,
				CacheWriteCostPer1M: 1.25,
				CacheReadCostPer1M:  0.10,
				DailyBudgetLimit:    10.00,
			},
			"broken": {
				Model:            "test-broken",
				InputCostPer1M:   math.NaN(),
				DailyBudgetLimit: 10.00,
			},
		},
	}
}

func newTestTracker() *Tracker {
	return NewTracker(nil, testConfig(), zerolog.Nop())
}

func TestRecordAccumulatesAllLedgers(t *testing.T) {
	tr := newTestTracker()
	usage := models.Usage{InputTokens: 1_000_000, OutputTokens: 200_000}
	attr := models.UsageAttribution{Tier: "haiku", PlayerID: "u1", PlayerName: "Lina"}

	require.NoError(t, tr.Record(context.Background(), "thread-1", usage, attr))
	require.NoError(t, tr.Record(context.Background(), "thread-1", usage, attr))

	// 1M input at $1/1M plus 200k output at $5/1M is $2 per call.
	assert.True(t, tr.TodaySpend().Equal(decimal.NewFromInt(4)), "daily: %s", tr.TodaySpend())

	ts := tr.SessionCost("thread-1")
	require.NotNil(t, ts)
	assert.Equal(t, 2, ts.Messages)
	assert.True(t, ts.Total.Equal(decimal.NewFromInt(4)))
	assert.Len(t, ts.History, 2)

	ps := tr.PlayerCost("u1")
	require.NotNil(t, ps)
	assert.Equal(t, "Lina", ps.PlayerName)
	assert.True(t, ps.Total.Equal(decimal.NewFromInt(4)))
}

func TestRecordCacheTokensCounted(t *testing.T) {
	tr := newTestTracker()
	usage := models.Usage{CacheWriteTokens: 1_000_000, CacheReadTokens: 1_000_000}
	require.NoError(t, tr.Record(context.Background(), "t", usage, models.UsageAttribution{Tier: "haiku"}))
	assert.True(t, tr.TodaySpend().Equal(decimal.NewFromFloat(1.35)), "got %s", tr.TodaySpend())

	ts := tr.SessionCost("t")
	assert.Equal(t, 1_000_000, ts.TotalCacheWrites)
	assert.Equal(t, 1_000_000, ts.TotalCacheReads)
}

func TestRecordRejectsBrokenRateTable(t *testing.T) {
	tr := newTestTracker()
	err := tr.Record(context.Background(), "t", models.Usage{InputTokens: 10}, models.UsageAttribution{Tier: "broken"})
	require.Error(t, err)
	assert.True(t, tr.TodaySpend().IsZero(), "nothing may be recorded on failure")
}

func TestRecordUnknownTierFallsBackToDefault(t *testing.T) {
	tr := newTestTracker()
	err := tr.Record(context.Background(), "t", models.Usage{InputTokens: 1_000_000}, models.UsageAttribution{Tier: "imaginary"})
	require.NoError(t, err)
	assert.True(t, tr.TodaySpend().Equal(decimal.NewFromInt(1)))
}

func TestCheckBudget(t *testing.T) {
	tr := newTestTracker()
	assert.NoError(t, tr.CheckBudget("haiku"))

	// 2M output at $5/1M reaches the $10 ceiling exactly.
	usage := models.Usage{OutputTokens: 2_000_000}
	require.NoError(t, tr.Record(context.Background(), "t", usage, models.UsageAttribution{Tier: "haiku"}))
	assert.ErrorIs(t, tr.CheckBudget("haiku"), ErrBudgetExhausted)
}

func TestDailySpendRollsOverAtMidnight(t *testing.T) {
	tr := newTestTracker()
	day1 := time.Date(2026, 8, 30, 23, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return day1 }

	usage := models.Usage{OutputTokens: 2_000_000}
	require.NoError(t, tr.Record(context.Background(), "t", usage, models.UsageAttribution{Tier: "haiku"}))
	assert.ErrorIs(t, tr.CheckBudget("haiku"), ErrBudgetExhausted)

	tr.now = func() time.Time { return day1.Add(2 * time.Hour) }
	assert.NoError(t, tr.CheckBudget("haiku"))
	assert.True(t, tr.TodaySpend().IsZero())
}

func TestSessionCostReturnsCopies(t *testing.T) {
	tr := newTestTracker()
	require.NoError(t, tr.Record(context.Background(), "t", models.Usage{InputTokens: 1}, models.UsageAttribution{}))

	ts := tr.SessionCost("t")
	ts.Messages = 99
	ts.History[0].InputTokens = 99

	fresh := tr.SessionCost("t")
	assert.Equal(t, 1, fresh.Messages)
	assert.Equal(t, 1, fresh.History[0].InputTokens)
}

func TestUnknownLookupsReturnNil(t *testing.T) {
	tr := newTestTracker()
	assert.Nil(t, tr.SessionCost("missing"))
	assert.Nil(t, tr.PlayerCost("missing"))
}
