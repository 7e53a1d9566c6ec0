// Package store is the persistence service for the pipeline: posts,
// per-stage run records, cost entries, and the append-only audit log,
// plus the read projections the dashboard serves.
//
// Writes serialize through the single orchestrator process; the audit
// table has no update or delete anywhere on this API.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/mintline/mintline/pkg/database"
	"github.com/mintline/mintline/pkg/models"
	"github.com/mintline/mintline/pkg/sanitize"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ValidationError reports a rejected write with the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NewValidationError creates a validation error.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// Store wraps the database handle with the pipeline's persistence contract.
type Store struct {
	db *gorm.DB
}

// New creates a Store over an open database handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for health checks and backups.
func (s *Store) DB() *gorm.DB { return s.db }

// SavePost persists a post if it is not already present. The returned
// bool reports whether a row was inserted; a duplicate ingest leaves the
// existing row untouched. Externally-sourced text fields pass through the
// store sanitizer first.
func (s *Store) SavePost(ctx context.Context, p models.Post) (bool, error) {
	if p.ID == "" {
		return false, NewValidationError("post_id", "required")
	}

	clean, err := sanitizePostText(p)
	if err != nil {
		return false, err
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&database.Post{}).
		Where("post_id = ?", p.ID).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check post %s: %w", p.ID, err)
	}
	if count > 0 {
		return false, nil
	}

	row := database.Post{
		PostID:    clean.ID,
		Title:     clean.Title,
		Body:      clean.Body,
		Origin:    clean.Origin,
		Author:    clean.Author,
		Score:     clean.Score,
		URL:       clean.URL,
		PostedAt:  clean.PostedAt.UTC(),
		Raw:       clean.Raw,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return false, fmt.Errorf("failed to save post %s: %w", p.ID, err)
	}
	return true, nil
}

func sanitizePostText(p models.Post) (models.Post, error) {
	var err error
	fields := []struct {
		name string
		val  *string
	}{
		{"title", &p.Title},
		{"body", &p.Body},
		{"origin", &p.Origin},
		{"author", &p.Author},
		{"url", &p.URL},
	}
	for _, f := range fields {
		*f.val, err = sanitize.Store(*f.val)
		if err != nil {
			return p, NewValidationError(f.name, err.Error())
		}
	}
	return p, nil
}

// GetPost returns one post by id.
func (s *Store) GetPost(ctx context.Context, postID string) (*models.Post, error) {
	var row database.Post
	err := s.db.WithContext(ctx).Where("post_id = ?", postID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get post %s: %w", postID, err)
	}
	p := toModelPost(row)
	return &p, nil
}

func toModelPost(row database.Post) models.Post {
	return models.Post{
		ID:       row.PostID,
		Title:    row.Title,
		Body:     row.Body,
		Origin:   row.Origin,
		Author:   row.Author,
		Score:    row.Score,
		URL:      row.URL,
		PostedAt: row.PostedAt,
		Raw:      row.Raw,
	}
}

// ListUnprocessedPosts returns posts that still need pipeline work,
// newest first. A post is done when its final stage completed, or when a
// content gate discarded or rejected it. Posts whose last attempt failed
// or ran out of budget remain eligible so a later run can resume them.
func (s *Store) ListUnprocessedPosts(ctx context.Context) ([]models.Post, error) {
	var rows []database.Post
	err := s.db.WithContext(ctx).
		Where(`NOT EXISTS (
			SELECT 1 FROM stage_runs sr
			WHERE sr.post_id = posts.post_id
			  AND ((sr.stage = ? AND sr.status = ?) OR sr.status IN (?, ?))
		)`,
			string(models.StageUpload), string(models.StatusCompleted),
			string(models.StatusDiscarded), string(models.StatusRejected)).
		Order("posted_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list unprocessed posts: %w", err)
	}

	posts := make([]models.Post, 0, len(rows))
	for _, row := range rows {
		posts = append(posts, toModelPost(row))
	}
	return posts, nil
}

// AuditRecord is the input for one audit append.
type AuditRecord struct {
	Action            models.AuditAction
	PostID            *string
	RunID             *string
	Details           map[string]any
	ErrorFlag         bool
	CostExhaustedFlag bool
}

// RecordStageParams is the input for one stage run append.
type RecordStageParams struct {
	PostID       string
	Stage        models.Stage
	Status       models.StageStatus
	ArtifactPath *string
	ErrorMessage *string

	// Audit is written in the same transaction as the stage run so every
	// recorded transition has its matching event.
	Audit AuditRecord
}

// RecordStage appends a stage run and its audit event atomically. It
// never updates an existing row: regeneration attempts append.
func (s *Store) RecordStage(ctx context.Context, params RecordStageParams) (*database.StageRun, error) {
	if params.PostID == "" {
		return nil, NewValidationError("post_id", "required")
	}
	if !params.Stage.Valid() {
		return nil, NewValidationError("stage", fmt.Sprintf("unknown stage %q", params.Stage))
	}
	if !params.Status.Valid() {
		return nil, NewValidationError("status", fmt.Sprintf("unknown status %q", params.Status))
	}
	if !params.Audit.Action.Valid() {
		return nil, NewValidationError("action", fmt.Sprintf("unknown action %q", params.Audit.Action))
	}

	run := database.StageRun{
		PostID:       params.PostID,
		Stage:        string(params.Stage),
		Status:       string(params.Status),
		ArtifactPath: params.ArtifactPath,
		ErrorMessage: params.ErrorMessage,
		CreatedAt:    time.Now().UTC(),
	}

	audit := params.Audit
	if audit.PostID == nil {
		audit.PostID = &params.PostID
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&run).Error; err != nil {
			return fmt.Errorf("failed to record stage run: %w", err)
		}
		event, err := buildAuditEvent(audit)
		if err != nil {
			return err
		}
		if err := tx.Create(event).Error; err != nil {
			return fmt.Errorf("failed to append audit event: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ListStageRuns returns all stage runs for a post in insertion order.
func (s *Store) ListStageRuns(ctx context.Context, postID string) ([]database.StageRun, error) {
	var runs []database.StageRun
	err := s.db.WithContext(ctx).
		Where("post_id = ?", postID).
		Order("id ASC").
		Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list stage runs for %s: %w", postID, err)
	}
	return runs, nil
}

// CountStageRuns returns how many runs exist for (post, stage).
func (s *Store) CountStageRuns(ctx context.Context, postID string, stage models.Stage) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&database.StageRun{}).
		Where("post_id = ? AND stage = ?", postID, string(stage)).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count stage runs: %w", err)
	}
	return int(count), nil
}

// CostRecord is the input for one cost entry append.
type CostRecord struct {
	RunID       string
	TokensIn    int
	TokensOut   int
	USDCost     float64
	Model       string
	AbortReason *string
}

// AppendCostEntry appends one model call's accounting. Entries with an
// abort reason record a refusal; they carry the estimate that was
// refused, not realized spend.
func (s *Store) AppendCostEntry(ctx context.Context, rec CostRecord) error {
	if rec.RunID == "" {
		return NewValidationError("run_id", "required")
	}
	row := database.CostEntry{
		RunID:       rec.RunID,
		TokensIn:    rec.TokensIn,
		TokensOut:   rec.TokensOut,
		USDCost:     rec.USDCost,
		Model:       rec.Model,
		AbortReason: rec.AbortReason,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to append cost entry: %w", err)
	}
	return nil
}

// AppendAudit appends one audit event.
func (s *Store) AppendAudit(ctx context.Context, rec AuditRecord) error {
	if !rec.Action.Valid() {
		return NewValidationError("action", fmt.Sprintf("unknown action %q", rec.Action))
	}
	event, err := buildAuditEvent(rec)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

func buildAuditEvent(rec AuditRecord) (*database.AuditEvent, error) {
	details := rec.Details
	if details == nil {
		details = map[string]any{}
	}
	payload, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit details: %w", err)
	}
	return &database.AuditEvent{
		Action:            string(rec.Action),
		PostID:            rec.PostID,
		RunID:             rec.RunID,
		Details:           datatypes.JSON(payload),
		ErrorFlag:         rec.ErrorFlag,
		CostExhaustedFlag: rec.CostExhaustedFlag,
		CreatedAt:         time.Now().UTC(),
	}, nil
}

// LifetimeSpend returns the exact realized spend: the sum over executed
// cost entries. Refusal entries carry an abort reason and never count.
func (s *Store) LifetimeSpend(ctx context.Context) (float64, error) {
	var total float64
	err := s.db.WithContext(ctx).Model(&database.CostEntry{}).
		Where("abort_reason IS NULL").
		Select("COALESCE(SUM(usd_cost), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum lifetime spend: %w", err)
	}
	return total, nil
}
