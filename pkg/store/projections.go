package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mintline/mintline/pkg/database"
	"github.com/mintline/mintline/pkg/models"
)

// Read projections for the dashboard. All queries are read-only and run
// against a snapshot; they never block the writer.

// RunProjection reports the in-flight run's counters, derived from its
// cost entries.
type RunProjection struct {
	RunID          string    `json:"run_id"`
	TokensSent     int       `json:"tokens_sent"`
	TokensReceived int       `json:"tokens_received"`
	RunCostUSD     float64   `json:"run_cost_usd"`
	LastActivity   time.Time `json:"last_activity"`
}

// Stats is the dashboard stats projection.
type Stats struct {
	LifetimeSpendUSD float64        `json:"lifetime_spend_usd"`
	Spend24hUSD      float64        `json:"spend_24h_usd"`
	StatusCounts24h  map[string]int `json:"status_counts_24h"`
	CurrentRun       *RunProjection `json:"current_run,omitempty"`
}

// runIdleCutoff is how long after the last cost entry a run is still
// considered in progress. The orchestrator is strictly sequential, so a
// quiet run is either finished or stalled on a remote.
const runIdleCutoff = 10 * time.Minute

// Stats builds the dashboard stats projection as of now.
func (s *Store) Stats(ctx context.Context, now time.Time) (*Stats, error) {
	lifetime, err := s.LifetimeSpend(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := now.Add(-24 * time.Hour)

	var spend24h float64
	err = s.db.WithContext(ctx).Model(&database.CostEntry{}).
		Where("abort_reason IS NULL AND created_at >= ?", cutoff).
		Select("COALESCE(SUM(usd_cost), 0)").
		Scan(&spend24h).Error
	if err != nil {
		return nil, fmt.Errorf("failed to sum 24h spend: %w", err)
	}

	type statusCount struct {
		Status string
		N      int
	}
	var counts []statusCount
	err = s.db.WithContext(ctx).Model(&database.StageRun{}).
		Where("created_at >= ? AND (status != ? OR stage = ?)",
			cutoff, string(models.StatusCompleted), string(models.StageUpload)).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&counts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count terminal statuses: %w", err)
	}
	statusCounts := make(map[string]int, len(counts))
	for _, c := range counts {
		statusCounts[c.Status] = c.N
	}

	stats := &Stats{
		LifetimeSpendUSD: lifetime,
		Spend24hUSD:      spend24h,
		StatusCounts24h:  statusCounts,
	}

	run, err := s.currentRun(ctx, now)
	if err != nil {
		return nil, err
	}
	stats.CurrentRun = run

	return stats, nil
}

// currentRun returns the latest run's counters when its last entry is
// recent enough to call the run in progress, nil otherwise.
func (s *Store) currentRun(ctx context.Context, now time.Time) (*RunProjection, error) {
	var last database.CostEntry
	err := s.db.WithContext(ctx).Order("id DESC").Limit(1).Find(&last).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read latest cost entry: %w", err)
	}
	if last.ID == 0 || now.Sub(last.CreatedAt) > runIdleCutoff {
		return nil, nil
	}

	type runTotals struct {
		TokensIn  int
		TokensOut int
		Cost      float64
	}
	var totals runTotals
	err = s.db.WithContext(ctx).Model(&database.CostEntry{}).
		Where("run_id = ? AND abort_reason IS NULL", last.RunID).
		Select("COALESCE(SUM(tokens_in),0) AS tokens_in, COALESCE(SUM(tokens_out),0) AS tokens_out, COALESCE(SUM(usd_cost),0) AS cost").
		Scan(&totals).Error
	if err != nil {
		return nil, fmt.Errorf("failed to sum run totals: %w", err)
	}

	return &RunProjection{
		RunID:          last.RunID,
		TokensSent:     totals.TokensIn,
		TokensReceived: totals.TokensOut,
		RunCostUSD:     totals.Cost,
		LastActivity:   last.CreatedAt,
	}, nil
}

// AuditEventView is one audit event as served to the dashboard.
type AuditEventView struct {
	ID                int64          `json:"id"`
	Action            string         `json:"action"`
	PostID            *string        `json:"post_id,omitempty"`
	RunID             *string        `json:"run_id,omitempty"`
	Details           map[string]any `json:"details"`
	ErrorFlag         bool           `json:"error_flag"`
	CostExhaustedFlag bool           `json:"cost_exhausted_flag"`
	CreatedAt         time.Time      `json:"created_at"`
}

// RecentAudit returns the last n audit events, newest first. Ordering is
// by insertion, not wall clock.
func (s *Store) RecentAudit(ctx context.Context, n int) ([]AuditEventView, error) {
	if n <= 0 {
		n = 20
	}
	var rows []database.AuditEvent
	err := s.db.WithContext(ctx).Order("id DESC").Limit(n).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read audit events: %w", err)
	}

	views := make([]AuditEventView, 0, len(rows))
	for _, row := range rows {
		details := map[string]any{}
		if len(row.Details) > 0 {
			// Details were marshalled by this store; a decode failure
			// means the payload predates the schema and is shown raw.
			if err := json.Unmarshal(row.Details, &details); err != nil {
				details = map[string]any{"raw": string(row.Details)}
			}
		}
		views = append(views, AuditEventView{
			ID:                row.ID,
			Action:            row.Action,
			PostID:            row.PostID,
			RunID:             row.RunID,
			Details:           details,
			ErrorFlag:         row.ErrorFlag,
			CostExhaustedFlag: row.CostExhaustedFlag,
			CreatedAt:         row.CreatedAt,
		})
	}
	return views, nil
}

// InFlightPost is a post mid-pipeline: its most recent stage run
// completed a non-final stage. In the sequential design this is at most
// one post during a run and none between runs.
type InFlightPost struct {
	PostID    string    `json:"post_id"`
	Title     string    `json:"title"`
	Origin    string    `json:"origin"`
	Stage     string    `json:"stage"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InFlightPosts returns posts currently in flight.
func (s *Store) InFlightPosts(ctx context.Context) ([]InFlightPost, error) {
	var posts []InFlightPost
	err := s.db.WithContext(ctx).Raw(`
		SELECT p.post_id, p.title, p.origin, sr.stage, sr.status, sr.created_at AS updated_at
		FROM posts p
		JOIN stage_runs sr ON sr.post_id = p.post_id
		WHERE sr.id = (SELECT MAX(id) FROM stage_runs WHERE post_id = p.post_id)
		  AND sr.status = ? AND sr.stage != ?
		ORDER BY sr.id DESC`,
		string(models.StatusCompleted), string(models.StageUpload)).
		Scan(&posts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list in-flight posts: %w", err)
	}
	return posts, nil
}
