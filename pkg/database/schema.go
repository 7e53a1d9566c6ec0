// Package database provides the SQLite client and schema for the
// pipeline store. One process opens the database for writing (the
// orchestrator); any number of readers (dashboard, backups) open it
// read-only.
package database

import (
	"time"

	"gorm.io/datatypes"
)

// Post is a candidate item as persisted. Inserted once by ingestion,
// never updated.
type Post struct {
	PostID    string    `gorm:"primaryKey;column:post_id"`
	Title     string    `gorm:"not null"`
	Body      string    `gorm:"not null"`
	Origin    string    `gorm:"not null;index:idx_posts_origin"`
	Author    string    `gorm:"not null"`
	Score     int       `gorm:"not null"`
	URL       string    `gorm:"column:url;not null"`
	PostedAt  time.Time `gorm:"not null;index:idx_posts_posted_at"`
	Raw       []byte
	CreatedAt time.Time `gorm:"not null"`
}

// TableName maps Post to the posts table.
func (Post) TableName() string { return "posts" }

// StageRun records one attempt at one stage for one post. Rows are
// append-only; regeneration appends another row for the same (post, stage).
type StageRun struct {
	ID           int64     `gorm:"primaryKey;autoIncrement"`
	PostID       string    `gorm:"not null;index:idx_stage_runs_post_id"`
	Stage        string    `gorm:"not null"`
	Status       string    `gorm:"not null;index:idx_stage_runs_status"`
	ArtifactPath *string   `gorm:"column:artifact_path"`
	ErrorMessage *string   `gorm:"column:error_message"`
	CreatedAt    time.Time `gorm:"not null;index:idx_stage_runs_created_at"`
}

// TableName maps StageRun to the stage_runs table.
func (StageRun) TableName() string { return "stage_runs" }

// CostEntry records one model call's accounting, or one refusal when
// AbortReason is set. Rows are append-only.
type CostEntry struct {
	ID          int64     `gorm:"primaryKey;autoIncrement"`
	RunID       string    `gorm:"not null;index:idx_cost_entries_run_id"`
	TokensIn    int       `gorm:"not null"`
	TokensOut   int       `gorm:"not null"`
	USDCost     float64   `gorm:"column:usd_cost;not null"`
	Model       string    `gorm:"not null"`
	AbortReason *string   `gorm:"column:abort_reason"`
	CreatedAt   time.Time `gorm:"not null;index:idx_cost_entries_created_at"`
}

// TableName maps CostEntry to the cost_entries table.
func (CostEntry) TableName() string { return "cost_entries" }

// AuditEvent is one append-only operation log record. The store exposes
// no update or delete for this table.
type AuditEvent struct {
	ID                int64          `gorm:"primaryKey;autoIncrement"`
	Action            string         `gorm:"not null;index:idx_audit_events_action"`
	PostID            *string        `gorm:"index:idx_audit_events_post_id"`
	RunID             *string
	Details           datatypes.JSON `gorm:"type:json"`
	ErrorFlag         bool           `gorm:"not null;default:false"`
	CostExhaustedFlag bool           `gorm:"not null;default:false"`
	CreatedAt         time.Time      `gorm:"not null;index:idx_audit_events_created_at,sort:desc"`
}

// TableName maps AuditEvent to the audit_events table.
func (AuditEvent) TableName() string { return "audit_events" }
