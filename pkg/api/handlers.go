package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// statsResponse adds the configured ceiling to the stored projection so
// the page can render spend as a fraction of the limit.
type statsResponse struct {
	LifetimeSpendUSD float64        `json:"lifetime_spend_usd"`
	LifetimeLimitUSD float64        `json:"lifetime_limit_usd"`
	Spend24hUSD      float64        `json:"spend_24h_usd"`
	StatusCounts24h  map[string]int `json:"status_counts_24h"`
	CurrentRun       any            `json:"current_run,omitempty"`
	GeneratedAt      string         `json:"generated_at"`
}

func (s *Server) handleStats(c *gin.Context) {
	now := time.Now().UTC()
	stats, err := s.store.Stats(c.Request.Context(), now)
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}

	resp := statsResponse{
		LifetimeSpendUSD: stats.LifetimeSpendUSD,
		LifetimeLimitUSD: s.lifetimeLimit,
		Spend24hUSD:      stats.Spend24hUSD,
		StatusCounts24h:  stats.StatusCounts24h,
		GeneratedAt:      now.Format(time.RFC3339),
	}
	if stats.CurrentRun != nil {
		resp.CurrentRun = gin.H{
			"run_id":          stats.CurrentRun.RunID,
			"tokens_sent":     stats.CurrentRun.TokensSent,
			"tokens_received": stats.CurrentRun.TokensReceived,
			"run_cost_usd":    stats.CurrentRun.RunCostUSD,
			"last_activity":   stats.CurrentRun.LastActivity.UTC().Format(time.RFC3339),
		}
	}
	respondOK(c, resp)
}

func (s *Server) handleActivity(c *gin.Context) {
	events, err := s.store.RecentAudit(c.Request.Context(), activityLimit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}

	out := make([]gin.H, 0, len(events))
	for _, e := range events {
		item := gin.H{
			"id":                  e.ID,
			"action":              e.Action,
			"details":             e.Details,
			"error_flag":          e.ErrorFlag,
			"cost_exhausted_flag": e.CostExhaustedFlag,
			"created_at":          e.CreatedAt.UTC().Format(time.RFC3339),
		}
		if e.PostID != nil {
			item["post_id"] = *e.PostID
		}
		if e.RunID != nil {
			item["run_id"] = *e.RunID
		}
		out = append(out, item)
	}
	respondOK(c, out)
}

func (s *Server) handlePosts(c *gin.Context) {
	posts, err := s.store.InFlightPosts(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}

	out := make([]gin.H, 0, len(posts))
	for _, p := range posts {
		out = append(out, gin.H{
			"post_id":    p.PostID,
			"title":      p.Title,
			"origin":     p.Origin,
			"stage":      p.Stage,
			"status":     p.Status,
			"updated_at": p.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	respondOK(c, out)
}
