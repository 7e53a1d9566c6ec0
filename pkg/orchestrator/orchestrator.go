// Package orchestrator drives each post through the fixed stage
// machine: problem → spec → content → verify → listing → upload, with
// the discard/reject off-ramps, bounded regeneration, and clean
// termination on cost exhaustion. It is the only component that decides
// what a failure means.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mintline/mintline/pkg/agents"
	"github.com/mintline/mintline/pkg/artifacts"
	"github.com/mintline/mintline/pkg/costgov"
	"github.com/mintline/mintline/pkg/models"
	"github.com/mintline/mintline/pkg/retrypolicy"
	"github.com/mintline/mintline/pkg/store"
)

// Process exit codes.
const (
	ExitOK            = 0
	ExitFailure       = 1
	ExitConfigInvalid = 2
	ExitLockContended = 3
	ExitKillSwitch    = 4
	ExitCostExhausted = 5
)

// ErrCostExhausted reports that a cost limit ended the run. The process
// exits with ExitCostExhausted.
var ErrCostExhausted = errors.New("run terminated by cost limit")

// Agents bundles the six stage transformers.
type Agents struct {
	Ingest  *agents.IngestAgent
	Problem *agents.ProblemAgent
	Spec    *agents.SpecAgent
	Content *agents.ContentAgent
	Verify  *agents.VerifyAgent
	Listing *agents.ListingAgent
	Upload  *agents.UploadAgent
}

// Config is the orchestrator's run configuration.
type Config struct {
	RunID          string
	Origins        []string
	MinScore       int
	PostsPerOrigin int

	// MaxRegenerations is how many retries follow the first content
	// attempt. The default of 1 means two total attempts.
	MaxRegenerations int

	// KillSwitch is re-read between posts; when it reports true the run
	// ends cleanly without further remote calls.
	KillSwitch func() bool
}

// Orchestrator runs the pipeline for one process invocation.
type Orchestrator struct {
	cfg      Config
	store    *store.Store
	writer   *artifacts.Writer
	governor *costgov.Governor
	agents   Agents
}

// New creates an orchestrator.
func New(cfg Config, st *store.Store, writer *artifacts.Writer, gov *costgov.Governor, ag Agents) *Orchestrator {
	if cfg.KillSwitch == nil {
		cfg.KillSwitch = func() bool { return false }
	}
	return &Orchestrator{cfg: cfg, store: st, writer: writer, governor: gov, agents: ag}
}

// Run executes one full pipeline run: ingest, then each unprocessed
// post strictly in order. It returns ErrCostExhausted when a cost limit
// stopped the run and nil on clean completion (including a mid-run kill
// switch).
func (o *Orchestrator) Run(ctx context.Context) error {
	o.ingest(ctx)

	posts, err := o.store.ListUnprocessedPosts(ctx)
	if err != nil {
		return fmt.Errorf("failed to list unprocessed posts: %w", err)
	}
	slog.Info("Run starting", "run_id", o.cfg.RunID, "posts", len(posts))

	for _, post := range posts {
		if o.cfg.KillSwitch() {
			slog.Info("Kill switch observed, ending run", "run_id", o.cfg.RunID)
			return nil
		}

		if err := o.processPost(ctx, post); err != nil {
			var costErr *costgov.CostLimitError
			if errors.As(err, &costErr) {
				o.abortRun(costErr)
				return fmt.Errorf("%w: %s", ErrCostExhausted, costErr.Which)
			}
			return err
		}
	}

	slog.Info("Run complete", "run_id", o.cfg.RunID,
		"tokens_sent", o.governor.Run().TokensSent,
		"tokens_received", o.governor.Run().TokensReceived,
		"run_cost_usd", o.governor.Run().RunCostUSD)
	return nil
}

// ingest fetches and persists new candidates. A failing forum remote
// does not end the run: posts already stored still need work.
func (o *Orchestrator) ingest(ctx context.Context) {
	posts, err := o.agents.Ingest.Run(ctx, o.cfg.Origins, o.cfg.MinScore, o.cfg.PostsPerOrigin)
	if err != nil {
		slog.Warn("Ingest failed, continuing with stored posts", "error", err)
		o.appendAudit(ctx, store.AuditRecord{
			Action:    models.ActionErrorOccurred,
			Details:   map[string]any{"stage": string(models.StageIngest), "error": err.Error()},
			ErrorFlag: true,
		})
		return
	}

	inserted := 0
	for _, p := range posts {
		isNew, err := o.store.SavePost(ctx, p)
		if err != nil {
			slog.Warn("Failed to save post", "post_id", p.ID, "error", err)
			continue
		}
		if !isNew {
			continue
		}
		inserted++
		postID := p.ID
		o.appendAudit(ctx, store.AuditRecord{
			Action: models.ActionPostIngested,
			PostID: &postID,
			Details: map[string]any{
				"origin": p.Origin,
				"score":  p.Score,
			},
		})
	}
	slog.Info("Ingest complete", "fetched", len(posts), "new", inserted)
}

// processPost drives one post through the stage machine. A returned
// error is fatal for the run; per-post failures are absorbed after
// recording so the next post still runs.
func (o *Orchestrator) processPost(ctx context.Context, post models.Post) error {
	// problem
	analysis, err := o.agents.Problem.Run(ctx, post)
	if err != nil {
		return o.stageFailure(ctx, post.ID, models.StageProblem, err)
	}
	problemPath, err := o.writer.WriteStageJSON(post.ID, string(models.StageProblem), analysis)
	if err != nil {
		return o.stageFailure(ctx, post.ID, models.StageProblem, err)
	}

	if analysis.Discard {
		return o.recordStage(ctx, store.RecordStageParams{
			PostID: post.ID, Stage: models.StageProblem, Status: models.StatusDiscarded,
			ArtifactPath: &problemPath,
			Audit: store.AuditRecord{
				Action:  models.ActionPostDiscarded,
				Details: map[string]any{"summary": analysis.Summary, "urgency": analysis.Urgency},
			},
		})
	}
	if err := o.recordStage(ctx, store.RecordStageParams{
		PostID: post.ID, Stage: models.StageProblem, Status: models.StatusCompleted,
		ArtifactPath: &problemPath,
		Audit: store.AuditRecord{
			Action:  models.ActionProblemExtracted,
			Details: map[string]any{"urgency": analysis.Urgency},
		},
	}); err != nil {
		return err
	}

	// spec
	spec, err := o.agents.Spec.Run(ctx, analysis)
	if err != nil {
		return o.stageFailure(ctx, post.ID, models.StageSpec, err)
	}
	specPath, err := o.writer.WriteStageJSON(post.ID, string(models.StageSpec), spec)
	if err != nil {
		return o.stageFailure(ctx, post.ID, models.StageSpec, err)
	}

	if reason := spec.RejectReason(); reason != "" {
		return o.recordStage(ctx, store.RecordStageParams{
			PostID: post.ID, Stage: models.StageSpec, Status: models.StatusRejected,
			ArtifactPath: &specPath,
			Audit: store.AuditRecord{
				Action:  models.ActionPostDiscarded,
				Details: map[string]any{"gate": string(models.StageSpec), "reason": reason},
			},
		})
	}
	if err := o.recordStage(ctx, store.RecordStageParams{
		PostID: post.ID, Stage: models.StageSpec, Status: models.StatusCompleted,
		ArtifactPath: &specPath,
		Audit: store.AuditRecord{
			Action:  models.ActionSpecGenerated,
			Details: map[string]any{"type": string(spec.Type), "confidence": spec.Confidence, "price": spec.Price},
		},
	}); err != nil {
		return err
	}

	// content + verify, with bounded regeneration
	content, verified, err := o.generateAndVerify(ctx, post.ID, spec)
	if err != nil || !verified {
		return err
	}

	// listing
	listing, err := o.agents.Listing.Run(ctx, spec, content)
	if err != nil {
		return o.stageFailure(ctx, post.ID, models.StageListing, err)
	}
	listingPath, err := o.writer.WriteStage(post.ID, string(models.StageListing), artifacts.ExtTXT, []byte(listing))
	if err != nil {
		return o.stageFailure(ctx, post.ID, models.StageListing, err)
	}
	if err := o.recordStage(ctx, store.RecordStageParams{
		PostID: post.ID, Stage: models.StageListing, Status: models.StatusCompleted,
		ArtifactPath: &listingPath,
		Audit:        store.AuditRecord{Action: models.ActionListingGenerated},
	}); err != nil {
		return err
	}

	return o.upload(ctx, post.ID, spec, listing)
}

// generateAndVerify runs the content/verify loop. Total content
// attempts are bounded at 1 + MaxRegenerations; a final failing verify
// hard-discards the post.
func (o *Orchestrator) generateAndVerify(ctx context.Context, postID string, spec *models.ProductSpec) (string, bool, error) {
	maxAttempts := 1 + o.cfg.MaxRegenerations

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		content, err := o.agents.Content.Run(ctx, spec)
		if err != nil {
			// A malformed content response spends the attempt rather
			// than failing the post outright.
			var schemaErr *retrypolicy.SchemaError
			if errors.As(err, &schemaErr) && attempt < maxAttempts {
				o.recordStageLogged(ctx, store.RecordStageParams{
					PostID: postID, Stage: models.StageContent, Status: models.StatusFailed,
					ErrorMessage: errMsg(err),
					Audit: store.AuditRecord{
						Action:    models.ActionErrorOccurred,
						Details:   map[string]any{"attempt": attempt, "error": err.Error()},
						ErrorFlag: true,
					},
				})
				continue
			}
			return "", false, o.stageFailure(ctx, postID, models.StageContent, err)
		}

		contentPath, err := o.writer.WriteStage(postID, string(models.StageContent), artifacts.ExtMD, []byte(content))
		if err != nil {
			return "", false, o.stageFailure(ctx, postID, models.StageContent, err)
		}
		if err := o.recordStage(ctx, store.RecordStageParams{
			PostID: postID, Stage: models.StageContent, Status: models.StatusCompleted,
			ArtifactPath: &contentPath,
			Audit: store.AuditRecord{
				Action:  models.ActionContentGenerated,
				Details: map[string]any{"attempt": attempt, "bytes": len(content)},
			},
		}); err != nil {
			return "", false, err
		}

		report, err := o.agents.Verify.Run(ctx, spec, content)
		if err != nil {
			return "", false, o.stageFailure(ctx, postID, models.StageVerify, err)
		}
		verifyPath, err := o.writer.WriteVerifyAttempt(postID, attempt, report)
		if err != nil {
			return "", false, o.stageFailure(ctx, postID, models.StageVerify, err)
		}

		if report.Pass {
			if err := o.recordStage(ctx, store.RecordStageParams{
				PostID: postID, Stage: models.StageVerify, Status: models.StatusCompleted,
				ArtifactPath: &verifyPath,
				Audit: store.AuditRecord{
					Action:  models.ActionContentVerified,
					Details: map[string]any{"attempt": attempt, "example_score": report.ExampleScore},
				},
			}); err != nil {
				return "", false, err
			}
			return content, true, nil
		}

		final := attempt == maxAttempts
		status := models.StatusCompleted
		if final {
			status = models.StatusRejected
		}
		if err := o.recordStage(ctx, store.RecordStageParams{
			PostID: postID, Stage: models.StageVerify, Status: status,
			ArtifactPath: &verifyPath,
			Audit: store.AuditRecord{
				Action: models.ActionContentRejected,
				Details: map[string]any{
					"attempt": attempt,
					"final":   final,
					"reasons": report.Reasons,
					"generic": report.Generic,
				},
			},
		}); err != nil {
			return "", false, err
		}

		if final {
			o.appendAudit(ctx, store.AuditRecord{
				Action:  models.ActionPostDiscarded,
				PostID:  &postID,
				Details: map[string]any{"reason": "content failed verification after all attempts"},
			})
			return "", false, nil
		}
		slog.Info("Content rejected, regenerating", "post_id", postID, "attempt", attempt)
	}
	return "", false, nil
}

// upload makes the single logical storefront attempt.
func (o *Orchestrator) upload(ctx context.Context, postID string, spec *models.ProductSpec, listing string) error {
	result, err := o.agents.Upload.Run(ctx, spec, listing)
	if err != nil {
		uploadErr := errMsg(err)
		return o.recordStage(ctx, store.RecordStageParams{
			PostID: postID, Stage: models.StageUpload, Status: models.StatusFailed,
			ErrorMessage: uploadErr,
			Audit: store.AuditRecord{
				Action:    models.ActionUploadFailed,
				Details:   map[string]any{"error": err.Error()},
				ErrorFlag: true,
			},
		})
	}

	uploadPath, err := o.writer.WriteStageJSON(postID, string(models.StageUpload), map[string]any{
		"product_id":  result.ProductID,
		"url":         result.URL,
		"title":       spec.Title,
		"price_cents": spec.PriceCents(),
	})
	if err != nil {
		return o.stageFailure(ctx, postID, models.StageUpload, err)
	}
	return o.recordStage(ctx, store.RecordStageParams{
		PostID: postID, Stage: models.StageUpload, Status: models.StatusCompleted,
		ArtifactPath: &uploadPath,
		Audit: store.AuditRecord{
			Action:  models.ActionUploadSucceeded,
			Details: map[string]any{"product_id": result.ProductID, "url": result.URL},
		},
	})
}

// stageFailure records a failed stage attempt. Cost-limit errors
// propagate so Run can end the whole run; anything else is absorbed
// after the error artifact, stage run, and audit event are written, so
// the next post proceeds.
func (o *Orchestrator) stageFailure(ctx context.Context, postID string, stage models.Stage, err error) error {
	var costErr *costgov.CostLimitError
	if errors.As(err, &costErr) {
		o.recordStageLogged(ctx, store.RecordStageParams{
			PostID: postID, Stage: stage, Status: models.StatusCostExhausted,
			ErrorMessage: errMsg(err),
			Audit: store.AuditRecord{
				Action:            models.ActionCostExhausted,
				Details:           map[string]any{"which": costErr.Which},
				CostExhaustedFlag: true,
			},
		})
		return err
	}

	if _, werr := o.writer.WriteErrorLog(postID, string(stage), artifacts.ErrorRecord{
		Error: err.Error(),
	}); werr != nil {
		slog.Error("Failed to write error artifact", "post_id", postID, "stage", stage, "error", werr)
	}

	o.recordStageLogged(ctx, store.RecordStageParams{
		PostID: postID, Stage: stage, Status: models.StatusFailed,
		ErrorMessage: errMsg(err),
		Audit: store.AuditRecord{
			Action:    models.ActionErrorOccurred,
			Details:   map[string]any{"stage": string(stage), "error": err.Error()},
			ErrorFlag: true,
		},
	})
	return nil
}

// abortRun writes the run-level abort record after a cost refusal.
func (o *Orchestrator) abortRun(costErr *costgov.CostLimitError) {
	run := o.governor.Run()
	if _, err := o.writer.WriteAbort(artifacts.AbortRecord{
		RunID:          run.RunID,
		Reason:         costErr.Which,
		TokensSent:     run.TokensSent,
		TokensReceived: run.TokensReceived,
		RunCostUSD:     run.RunCostUSD,
	}); err != nil {
		slog.Error("Failed to write abort record", "run_id", run.RunID, "error", err)
	}
	slog.Warn("Run aborted by cost limit",
		"run_id", run.RunID, "which", costErr.Which,
		"run_cost_usd", run.RunCostUSD)
}

// recordStage persists a stage outcome and prints the one-line
// transition the operator sees.
func (o *Orchestrator) recordStage(ctx context.Context, params store.RecordStageParams) error {
	if params.Audit.RunID == nil {
		runID := o.cfg.RunID
		params.Audit.RunID = &runID
	}
	if _, err := o.store.RecordStage(ctx, params); err != nil {
		return err
	}
	slog.Info("Stage transition",
		"stage", string(params.Stage), "status", string(params.Status), "post_id", params.PostID)
	return nil
}

// recordStageLogged is recordStage for paths that already propagate a
// more important error.
func (o *Orchestrator) recordStageLogged(ctx context.Context, params store.RecordStageParams) {
	if err := o.recordStage(ctx, params); err != nil {
		slog.Error("Failed to record stage", "post_id", params.PostID, "stage", params.Stage, "error", err)
	}
}

func (o *Orchestrator) appendAudit(ctx context.Context, rec store.AuditRecord) {
	if rec.RunID == nil {
		runID := o.cfg.RunID
		rec.RunID = &runID
	}
	if err := o.store.AppendAudit(ctx, rec); err != nil {
		slog.Error("Failed to append audit event", "action", rec.Action, "error", err)
	}
}

func errMsg(err error) *string {
	msg := err.Error()
	return &msg
}
