// Package costgov enforces the three spend budgets: tokens per run, USD
// per run, and USD over the process lifetime. Every model call passes
// through CheckBeforeCall first; RecordUsage books the actuals after.
// The governor is the single gate on spend.
package costgov

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/mintline/mintline/pkg/models"
	"github.com/mintline/mintline/pkg/store"
)

// Limit names identify which budget a refusal hit.
const (
	LimitRunTokens   = "per_run_tokens"
	LimitRunUSD      = "per_run_usd"
	LimitLifetimeUSD = "lifetime_usd"
)

// CostLimitError reports a refused call: the projection that breached
// and the configured ceiling. It is never retried.
type CostLimitError struct {
	Which  string
	Actual float64
	Limit  float64
}

func (e *CostLimitError) Error() string {
	return fmt.Sprintf("cost limit %s exceeded: projected %.6f, limit %.6f", e.Which, e.Actual, e.Limit)
}

// Limits holds the configured budgets and token prices.
type Limits struct {
	MaxTokensPerRun  int
	MaxUSDPerRun     float64
	MaxUSDLifetime   float64
	PriceInPerToken  float64
	PriceOutPerToken float64
}

// RunContext holds the per-run counters. It lives for one orchestrator
// invocation and is discarded with the process.
type RunContext struct {
	RunID          string  `json:"run_id"`
	TokensSent     int     `json:"tokens_sent"`
	TokensReceived int     `json:"tokens_received"`
	RunCostUSD     float64 `json:"run_cost_usd"`
}

// Governor accounts for model spend. It reads the lifetime tally once at
// construction and maintains it in memory afterwards; correctness
// depends on there being exactly one orchestrator process, which the PID
// lockfile enforces.
type Governor struct {
	limits   Limits
	store    *store.Store
	run      RunContext
	lifetime float64
}

// New constructs a governor for one run, reading the lifetime spend from
// the store.
func New(ctx context.Context, st *store.Store, limits Limits, runID string) (*Governor, error) {
	lifetime, err := st.LifetimeSpend(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read lifetime spend: %w", err)
	}
	slog.Info("Cost governor initialized",
		"run_id", runID,
		"lifetime_spend_usd", lifetime,
		"max_usd_lifetime", limits.MaxUSDLifetime)
	return &Governor{
		limits:   limits,
		store:    st,
		run:      RunContext{RunID: runID},
		lifetime: lifetime,
	}, nil
}

// charsPerToken is the conservative fallback ratio. Prose runs nearer
// four characters per token, so the estimate errs high there; prompts
// heavy in punctuation tokenize denser and can come in slightly under.
const charsPerToken = 3.5

// EstimateTokens estimates the token count of text. Without a
// model-specific tokenizer the character heuristic is the safety net; a
// reproducible upper bound beats occasional accuracy.
func (g *Governor) EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return int(math.Ceil(float64(len(text)) / charsPerToken))
}

// CheckBeforeCall projects the run and lifetime totals as if the call
// executed at the given estimates and refuses when any budget would be
// breached. A refusal books an aborted cost entry and a cost_exhausted
// audit event, then returns a CostLimitError; no remote call may follow.
func (g *Governor) CheckBeforeCall(ctx context.Context, estIn, estOut int) error {
	projectedTokens := g.run.TokensSent + g.run.TokensReceived + estIn + estOut
	callCost := g.callCost(estIn, estOut)
	projectedRunCost := g.run.RunCostUSD + callCost
	projectedLifetime := g.lifetime + callCost

	var limitErr *CostLimitError
	switch {
	case projectedTokens > g.limits.MaxTokensPerRun:
		limitErr = &CostLimitError{Which: LimitRunTokens, Actual: float64(projectedTokens), Limit: float64(g.limits.MaxTokensPerRun)}
	case projectedRunCost > g.limits.MaxUSDPerRun:
		limitErr = &CostLimitError{Which: LimitRunUSD, Actual: projectedRunCost, Limit: g.limits.MaxUSDPerRun}
	case projectedLifetime > g.limits.MaxUSDLifetime:
		limitErr = &CostLimitError{Which: LimitLifetimeUSD, Actual: projectedLifetime, Limit: g.limits.MaxUSDLifetime}
	default:
		return nil
	}

	reason := limitErr.Which
	if err := g.store.AppendCostEntry(ctx, store.CostRecord{
		RunID:       g.run.RunID,
		TokensIn:    estIn,
		TokensOut:   estOut,
		USDCost:     callCost,
		AbortReason: &reason,
	}); err != nil {
		slog.Error("Failed to record refused call", "error", err)
	}

	runID := g.run.RunID
	if err := g.store.AppendAudit(ctx, store.AuditRecord{
		Action: models.ActionCostExhausted,
		RunID:  &runID,
		Details: map[string]any{
			"which":  limitErr.Which,
			"actual": limitErr.Actual,
			"limit":  limitErr.Limit,
		},
		CostExhaustedFlag: true,
	}); err != nil {
		slog.Error("Failed to audit refused call", "error", err)
	}

	slog.Warn("Model call refused by cost governor",
		"which", limitErr.Which, "actual", limitErr.Actual, "limit", limitErr.Limit)
	return limitErr
}

// RecordUsage books the actual tokens of one successful model call.
// Called exactly once per executed call; never for refusals.
func (g *Governor) RecordUsage(ctx context.Context, actualIn, actualOut int, model string) error {
	cost := g.callCost(actualIn, actualOut)

	g.run.TokensSent += actualIn
	g.run.TokensReceived += actualOut
	g.run.RunCostUSD += cost
	g.lifetime += cost

	if err := g.store.AppendCostEntry(ctx, store.CostRecord{
		RunID:     g.run.RunID,
		TokensIn:  actualIn,
		TokensOut: actualOut,
		USDCost:   cost,
		Model:     model,
	}); err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

func (g *Governor) callCost(in, out int) float64 {
	return float64(in)*g.limits.PriceInPerToken + float64(out)*g.limits.PriceOutPerToken
}

// Run returns a copy of the per-run counters.
func (g *Governor) Run() RunContext { return g.run }

// LifetimeSpend returns the in-memory lifetime tally.
func (g *Governor) LifetimeSpend() float64 { return g.lifetime }
