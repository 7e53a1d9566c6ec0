package costgov

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mintline/mintline/pkg/database"
	"github.com/mintline/mintline/pkg/store"
)

func newTestGovernor(t *testing.T, limits Limits) (*Governor, *store.Store) {
	t.Helper()
	db, err := database.Open(database.Config{Path: filepath.Join(t.TempDir(), "pipeline.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	st := store.New(db)
	gov, err := New(context.Background(), st, limits, "run-test")
	require.NoError(t, err)
	return gov, st
}

func defaultLimits() Limits {
	return Limits{
		MaxTokensPerRun:  10_000,
		MaxUSDPerRun:     1.0,
		MaxUSDLifetime:   5.0,
		PriceInPerToken:  0.001,
		PriceOutPerToken: 0.002,
	}
}

func TestEstimateTokens(t *testing.T) {
	gov, _ := newTestGovernor(t, defaultLimits())

	assert.Equal(t, 0, gov.EstimateTokens(""))
	assert.Equal(t, 1, gov.EstimateTokens("ab"))
	assert.Equal(t, 1, gov.EstimateTokens("abc"))
	assert.Equal(t, 2, gov.EstimateTokens("abcd"))
	// ceil(len/3.5): 35 chars -> 10 tokens.
	assert.Equal(t, 10, gov.EstimateTokens(string(make([]byte, 35))))
}

func TestCheckAndRecord_WithinLimits(t *testing.T) {
	gov, st := newTestGovernor(t, defaultLimits())
	ctx := context.Background()

	calls := []struct{ in, out int }{
		{100, 50},
		{200, 80},
		{50, 20},
	}
	for _, c := range calls {
		require.NoError(t, gov.CheckBeforeCall(ctx, c.in, c.out))
		require.NoError(t, gov.RecordUsage(ctx, c.in, c.out, "test-model"))
	}

	run := gov.Run()
	assert.Equal(t, 350, run.TokensSent)
	assert.Equal(t, 150, run.TokensReceived)

	// usd_cost = in*Pin + out*Pout for every executed entry.
	wantCost := 350*0.001 + 150*0.002
	assert.InDelta(t, wantCost, run.RunCostUSD, 1e-9)

	total, err := st.LifetimeSpend(ctx)
	require.NoError(t, err)
	assert.InDelta(t, wantCost, total, 1e-9)
	assert.InDelta(t, wantCost, gov.LifetimeSpend(), 1e-9)
}

func TestCheckBeforeCall_RefusesTokenBudget(t *testing.T) {
	limits := defaultLimits()
	limits.MaxTokensPerRun = 100
	limits.MaxUSDPerRun = 1000
	limits.MaxUSDLifetime = 1000
	gov, st := newTestGovernor(t, limits)
	ctx := context.Background()

	err := gov.CheckBeforeCall(ctx, 80, 40)
	var costErr *CostLimitError
	require.ErrorAs(t, err, &costErr)
	assert.Equal(t, LimitRunTokens, costErr.Which)
	assert.Equal(t, float64(120), costErr.Actual)
	assert.Equal(t, float64(100), costErr.Limit)

	assertSingleRefusal(t, st, LimitRunTokens)
}

func TestCheckBeforeCall_RefusesRunUSD(t *testing.T) {
	limits := defaultLimits()
	limits.MaxUSDPerRun = 0.05
	gov, st := newTestGovernor(t, limits)
	ctx := context.Background()

	// 100*0.001 + 20*0.002 = 0.14 > 0.05
	err := gov.CheckBeforeCall(ctx, 100, 20)
	var costErr *CostLimitError
	require.ErrorAs(t, err, &costErr)
	assert.Equal(t, LimitRunUSD, costErr.Which)

	assertSingleRefusal(t, st, LimitRunUSD)
}

func TestCheckBeforeCall_RefusesLifetime(t *testing.T) {
	limits := defaultLimits()
	limits.MaxUSDPerRun = 10 // keep the run budget out of the way
	limits.MaxUSDLifetime = 0.1
	gov, st := newTestGovernor(t, limits)
	ctx := context.Background()

	err := gov.CheckBeforeCall(ctx, 100, 20)
	var costErr *CostLimitError
	require.ErrorAs(t, err, &costErr)
	assert.Equal(t, LimitLifetimeUSD, costErr.Which)

	assertSingleRefusal(t, st, LimitLifetimeUSD)
}

// assertSingleRefusal checks the refusal wrote one aborted cost entry
// and one flagged audit event, and that realized spend stayed zero.
func assertSingleRefusal(t *testing.T, st *store.Store, want string) {
	t.Helper()
	ctx := context.Background()

	total, err := st.LifetimeSpend(ctx)
	require.NoError(t, err)
	assert.Zero(t, total, "refusals must not count as spend")

	var entries []database.CostEntry
	require.NoError(t, st.DB().Find(&entries).Error)
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].AbortReason)
	assert.Equal(t, want, *entries[0].AbortReason)

	events, err := st.RecentAudit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].CostExhaustedFlag)
	assert.Equal(t, "cost_exhausted", events[0].Action)
}

func TestLifetimeCarriesAcrossGovernors(t *testing.T) {
	db, err := database.Open(database.Config{Path: filepath.Join(t.TempDir(), "pipeline.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })
	st := store.New(db)
	ctx := context.Background()

	limits := defaultLimits()
	limits.MaxUSDPerRun = 10 // keep the run budget out of the way
	gov1, err := New(ctx, st, limits, "run-1")
	require.NoError(t, err)
	require.NoError(t, gov1.CheckBeforeCall(ctx, 1000, 500))
	require.NoError(t, gov1.RecordUsage(ctx, 1000, 500, "m"))
	spent := 1000*0.001 + 500*0.002 // 2.0

	// A second run sees the first run's spend at construction.
	gov2, err := New(ctx, st, limits, "run-2")
	require.NoError(t, err)
	assert.InDelta(t, spent, gov2.LifetimeSpend(), 1e-9)

	// 2.0 already spent, limit 5.0: a call projecting past the remainder refuses.
	err = gov2.CheckBeforeCall(ctx, 3000, 500) // 3+1=4.0 > remaining 3.0
	var costErr *CostLimitError
	require.ErrorAs(t, err, &costErr)
	assert.Equal(t, LimitLifetimeUSD, costErr.Which)
}

func TestEstimateFallbackIsConservative(t *testing.T) {
	gov, _ := newTestGovernor(t, defaultLimits())

	// Representative prompt bodies. English prose runs ~4 chars/token,
	// so a 3.5 divisor keeps the estimate at or above the actual; the
	// design tolerance allows at most a 10% shortfall on pathological
	// punctuation-heavy text.
	prompts := map[string]int{
		"You analyze forum posts for concrete, painful problems worth solving.": 17,
		"Respond with a single JSON object, no prose.":                          11,
		"{\"discard\": false, \"summary\": \"...\", \"urgency\": 85}":           13,
	}
	for text, actual := range prompts {
		est := gov.EstimateTokens(text)
		assert.GreaterOrEqual(t, float64(est), float64(actual)*0.9, "prompt %q", text)
	}
}
