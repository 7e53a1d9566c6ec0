package models

// Stage identifies one of the seven ordered pipeline steps. Ingest is a
// run-scoped prelude; the remaining six run per post, in order.
type Stage string

const (
	StageIngest  Stage = "ingest"
	StageProblem Stage = "problem"
	StageSpec    Stage = "spec"
	StageContent Stage = "content"
	StageVerify  Stage = "verify"
	StageListing Stage = "listing"
	StageUpload  Stage = "upload"
)

// PostStages returns the per-post stages in execution order.
func PostStages() []Stage {
	return []Stage{StageProblem, StageSpec, StageContent, StageVerify, StageListing, StageUpload}
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StageIngest, StageProblem, StageSpec, StageContent, StageVerify, StageListing, StageUpload:
		return true
	}
	return false
}

// StageStatus is the outcome of one stage attempt. Rows recording a
// status are append-only; regeneration writes a new row.
type StageStatus string

const (
	StatusCompleted     StageStatus = "completed"
	StatusDiscarded     StageStatus = "discarded"
	StatusRejected      StageStatus = "rejected"
	StatusFailed        StageStatus = "failed"
	StatusCostExhausted StageStatus = "cost_exhausted"
)

// Valid reports whether s is a known status.
func (s StageStatus) Valid() bool {
	switch s {
	case StatusCompleted, StatusDiscarded, StatusRejected, StatusFailed, StatusCostExhausted:
		return true
	}
	return false
}

// Terminal reports whether a row recording this status for the given
// stage ends work on the post. A completed upload is the only completed
// status that is terminal; every non-completed status is.
func (s StageStatus) Terminal(stage Stage) bool {
	if s == StatusCompleted {
		return stage == StageUpload
	}
	return true
}
