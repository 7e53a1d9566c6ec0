package models

import (
	"fmt"
	"math"
)

// Structured values returned by the model-backed stages. Each carries a
// Validate method checking the value against its stage schema; a value
// that fails validation is treated as a terminal failure for that attempt.

// ProductType classifies what kind of digital product a spec proposes.
type ProductType string

const (
	ProductGuide      ProductType = "guide"
	ProductTemplate   ProductType = "template"
	ProductPromptPack ProductType = "prompt_pack"
)

// ProblemAnalysis is the problem stage output.
type ProblemAnalysis struct {
	Discard      bool     `json:"discard"`
	Summary      string   `json:"summary"`
	Audience     string   `json:"audience"`
	WhyMatters   string   `json:"why_matters"`
	BadSolutions []string `json:"bad_solutions"`
	Urgency      int      `json:"urgency"`
	Quotes       []string `json:"quotes"`
}

// Validate checks the analysis against the problem stage schema.
func (p *ProblemAnalysis) Validate() error {
	if p.Urgency < 0 || p.Urgency > 100 {
		return fmt.Errorf("urgency %d out of range [0,100]", p.Urgency)
	}
	if !p.Discard && p.Summary == "" {
		return fmt.Errorf("summary is required when discard is false")
	}
	return nil
}

// ProductSpec is the spec stage output.
type ProductSpec struct {
	Build         bool        `json:"build"`
	Type          ProductType `json:"type"`
	Title         string      `json:"title"`
	Buyer         string      `json:"buyer"`
	JobToBeDone   string      `json:"job_to_be_done"`
	Deliverables  []string    `json:"deliverables"`
	FailureReason string      `json:"failure_reason"`
	Price         float64     `json:"price"`
	Confidence    int         `json:"confidence"`
}

// Validate checks the spec against the spec stage schema.
func (s *ProductSpec) Validate() error {
	if s.Confidence < 0 || s.Confidence > 100 {
		return fmt.Errorf("confidence %d out of range [0,100]", s.Confidence)
	}
	if s.Build {
		switch s.Type {
		case ProductGuide, ProductTemplate, ProductPromptPack:
		default:
			return fmt.Errorf("unknown product type %q", s.Type)
		}
		if s.Title == "" {
			return fmt.Errorf("title is required when build is true")
		}
		if s.Price < 0 {
			return fmt.Errorf("price %v is negative", s.Price)
		}
	}
	return nil
}

// MinConfidence is the spec acceptance threshold.
const MinConfidence = 70

// MinDeliverables is the smallest deliverable list a buildable spec may carry.
const MinDeliverables = 3

// RejectReason returns a non-empty reason when the spec fails an
// acceptance gate, and "" when the spec should proceed to content.
func (s *ProductSpec) RejectReason() string {
	if !s.Build {
		if s.FailureReason != "" {
			return s.FailureReason
		}
		return "model declined to build"
	}
	if s.Confidence < MinConfidence {
		return fmt.Sprintf("confidence %d below threshold %d", s.Confidence, MinConfidence)
	}
	if len(s.Deliverables) < MinDeliverables {
		return fmt.Sprintf("only %d deliverables, need at least %d", len(s.Deliverables), MinDeliverables)
	}
	return ""
}

// PriceCents returns the listing price in integer cents.
func (s *ProductSpec) PriceCents() int {
	return int(math.Round(s.Price * 100))
}

// VerifyReport is the verify stage output.
type VerifyReport struct {
	Pass              bool     `json:"pass"`
	Reasons           []string `json:"reasons"`
	Missing           []string `json:"missing"`
	Generic           bool     `json:"generic"`
	ExampleScore      int      `json:"example_score"`
	NeedsRegeneration bool     `json:"needs_regeneration"`
}

// Validate checks the report against the verify stage schema.
func (v *VerifyReport) Validate() error {
	if v.ExampleScore < 0 || v.ExampleScore > 10 {
		return fmt.Errorf("example_score %d out of range [0,10]", v.ExampleScore)
	}
	if !v.Pass && len(v.Reasons) == 0 {
		return fmt.Errorf("reasons are required when pass is false")
	}
	return nil
}

// UploadResult records a successful storefront upload.
type UploadResult struct {
	ProductID string `json:"product_id"`
	URL       string `json:"url"`
}
