package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mintline/mintline/pkg/database"
	"github.com/mintline/mintline/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.Open(database.Config{Path: filepath.Join(t.TempDir(), "pipeline.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })
	return New(db)
}

func testPost(id string) models.Post {
	return models.Post{
		ID:       id,
		Title:    "My workflow keeps breaking",
		Body:     "Every week the same manual process fails.",
		Origin:   "productivity",
		Author:   "someone",
		Score:    42,
		URL:      "https://example.com/" + id,
		PostedAt: time.Now().UTC().Add(-time.Hour),
	}
}

func TestSavePost_Idempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	inserted, err := st.SavePost(ctx, testPost("p1"))
	require.NoError(t, err)
	assert.True(t, inserted)

	// Duplicate ingest with different content must not mutate the row.
	dup := testPost("p1")
	dup.Title = "changed title"
	inserted, err = st.SavePost(ctx, dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := st.GetPost(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "My workflow keeps breaking", got.Title)
}

func TestSavePost_SanitizesText(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	p := testPost("p2")
	p.Body = "embedded\x00nul"
	inserted, err := st.SavePost(ctx, p)
	require.NoError(t, err)
	assert.True(t, inserted)

	got, err := st.GetPost(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, "embeddednul", got.Body)

	bad := testPost("p3")
	bad.Title = "broken \xff encoding"
	_, err = st.SavePost(ctx, bad)
	require.Error(t, err)
}

func TestListUnprocessedPosts(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	older := testPost("old")
	older.PostedAt = time.Now().UTC().Add(-48 * time.Hour)
	newer := testPost("new")
	newer.PostedAt = time.Now().UTC().Add(-time.Hour)
	uploaded := testPost("done")
	discarded := testPost("junk")
	failed := testPost("flaky")

	for _, p := range []models.Post{older, newer, uploaded, discarded, failed} {
		_, err := st.SavePost(ctx, p)
		require.NoError(t, err)
	}

	record := func(postID string, stage models.Stage, status models.StageStatus, action models.AuditAction) {
		_, err := st.RecordStage(ctx, RecordStageParams{
			PostID: postID, Stage: stage, Status: status,
			Audit: AuditRecord{Action: action},
		})
		require.NoError(t, err)
	}

	record("done", models.StageUpload, models.StatusCompleted, models.ActionUploadSucceeded)
	record("junk", models.StageProblem, models.StatusDiscarded, models.ActionPostDiscarded)
	record("flaky", models.StageSpec, models.StatusFailed, models.ActionErrorOccurred)

	posts, err := st.ListUnprocessedPosts(ctx)
	require.NoError(t, err)

	ids := make([]string, 0, len(posts))
	for _, p := range posts {
		ids = append(ids, p.ID)
	}
	// Terminal successes and gate discards are gone; failed posts stay
	// eligible for resumption. Newest first.
	assert.NotContains(t, ids, "done")
	assert.NotContains(t, ids, "junk")
	assert.Contains(t, ids, "flaky")
	assert.Contains(t, ids, "old")
	assert.Contains(t, ids, "new")

	idxOld, idxNew := indexOf(ids, "old"), indexOf(ids, "new")
	assert.Less(t, idxNew, idxOld, "newest posts come first")
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}

func TestRecordStage_AppendsWithAudit(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.SavePost(ctx, testPost("p1"))
	require.NoError(t, err)

	path := "/tmp/artifacts/p1/problem_1.json"
	runID := "run-1"
	_, err = st.RecordStage(ctx, RecordStageParams{
		PostID: "p1", Stage: models.StageProblem, Status: models.StatusCompleted,
		ArtifactPath: &path,
		Audit: AuditRecord{
			Action:  models.ActionProblemExtracted,
			RunID:   &runID,
			Details: map[string]any{"urgency": 80},
		},
	})
	require.NoError(t, err)

	// Regeneration appends a second row for the same (post, stage).
	_, err = st.RecordStage(ctx, RecordStageParams{
		PostID: "p1", Stage: models.StageProblem, Status: models.StatusCompleted,
		Audit: AuditRecord{Action: models.ActionProblemExtracted},
	})
	require.NoError(t, err)

	runs, err := st.ListStageRuns(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "problem", runs[0].Stage)
	assert.Equal(t, path, *runs[0].ArtifactPath)

	// Every stage transition has its matching audit event.
	events, err := st.RecentAudit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, string(models.ActionProblemExtracted), e.Action)
		require.NotNil(t, e.PostID)
		assert.Equal(t, "p1", *e.PostID)
	}
}

func TestRecordStage_RejectsUnknownEnums(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.RecordStage(ctx, RecordStageParams{
		PostID: "p1", Stage: "mystery", Status: models.StatusCompleted,
		Audit: AuditRecord{Action: models.ActionProblemExtracted},
	})
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "stage", vErr.Field)

	_, err = st.RecordStage(ctx, RecordStageParams{
		PostID: "p1", Stage: models.StageProblem, Status: "odd",
		Audit: AuditRecord{Action: models.ActionProblemExtracted},
	})
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "status", vErr.Field)

	_, err = st.RecordStage(ctx, RecordStageParams{
		PostID: "p1", Stage: models.StageProblem, Status: models.StatusCompleted,
		Audit: AuditRecord{Action: "renamed_event"},
	})
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "action", vErr.Field)
}

func TestLifetimeSpend_ExcludesRefusals(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.AppendCostEntry(ctx, CostRecord{
		RunID: "r1", TokensIn: 100, TokensOut: 50, USDCost: 0.5, Model: "m",
	}))
	require.NoError(t, st.AppendCostEntry(ctx, CostRecord{
		RunID: "r1", TokensIn: 200, TokensOut: 100, USDCost: 1.0, Model: "m",
	}))
	abort := "per_run_usd"
	require.NoError(t, st.AppendCostEntry(ctx, CostRecord{
		RunID: "r1", TokensIn: 9999, TokensOut: 9999, USDCost: 99.0, AbortReason: &abort,
	}))

	total, err := st.LifetimeSpend(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, total, 1e-9)
}

func TestStats(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, st.AppendCostEntry(ctx, CostRecord{
		RunID: "r1", TokensIn: 100, TokensOut: 40, USDCost: 0.25, Model: "m",
	}))

	_, err := st.SavePost(ctx, testPost("p1"))
	require.NoError(t, err)
	_, err = st.RecordStage(ctx, RecordStageParams{
		PostID: "p1", Stage: models.StageProblem, Status: models.StatusDiscarded,
		Audit: AuditRecord{Action: models.ActionPostDiscarded},
	})
	require.NoError(t, err)

	stats, err := st.Stats(ctx, now)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, stats.LifetimeSpendUSD, 1e-9)
	assert.InDelta(t, 0.25, stats.Spend24hUSD, 1e-9)
	assert.Equal(t, 1, stats.StatusCounts24h[string(models.StatusDiscarded)])

	require.NotNil(t, stats.CurrentRun)
	assert.Equal(t, "r1", stats.CurrentRun.RunID)
	assert.Equal(t, 100, stats.CurrentRun.TokensSent)
	assert.Equal(t, 40, stats.CurrentRun.TokensReceived)

	// A long-idle run is no longer current.
	later, err := st.Stats(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Nil(t, later.CurrentRun)
}

func TestInFlightPosts(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.SavePost(ctx, testPost("p1"))
	require.NoError(t, err)
	_, err = st.SavePost(ctx, testPost("p2"))
	require.NoError(t, err)

	// p1 is mid-pipeline; p2 finished.
	_, err = st.RecordStage(ctx, RecordStageParams{
		PostID: "p1", Stage: models.StageSpec, Status: models.StatusCompleted,
		Audit: AuditRecord{Action: models.ActionSpecGenerated},
	})
	require.NoError(t, err)
	_, err = st.RecordStage(ctx, RecordStageParams{
		PostID: "p2", Stage: models.StageUpload, Status: models.StatusCompleted,
		Audit: AuditRecord{Action: models.ActionUploadSucceeded},
	})
	require.NoError(t, err)

	inflight, err := st.InFlightPosts(ctx)
	require.NoError(t, err)
	require.Len(t, inflight, 1)
	assert.Equal(t, "p1", inflight[0].PostID)
	assert.Equal(t, "spec", inflight[0].Stage)
}

// The audit table is append-only by API surface: the store exposes
// appends and reads, nothing else. This pin fails if someone adds a
// mutating method.
func TestAuditSurfaceIsAppendOnly(t *testing.T) {
	forbidden := []string{"UpdateAudit", "DeleteAudit", "PurgeAudit"}
	for _, name := range forbidden {
		assert.False(t, hasMethod(&Store{}, name), "Store must not expose %s", name)
	}
}
