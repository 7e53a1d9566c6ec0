// Package agents holds the six stage transformers. Each takes the
// prior stage's output, calls its remote through the gateway or the
// dedicated client, and returns a validated value. Agents never touch
// the store; the orchestrator persists outcomes.
package agents

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mintline/mintline/pkg/models"
)

// Templates holds the per-stage system prompts, loaded once per run.
type Templates struct {
	Problem string
	Spec    string
	Content string
	Verify  string
	Listing string
}

// Built-in prompts. A templates directory overrides any of them by
// stage name (problem.txt, spec.txt, ...).
const (
	defaultProblemPrompt = `You analyze forum posts for concrete, painful problems worth solving with a small digital product.
Respond with a single JSON object, no prose, matching:
{"discard": bool, "summary": string, "audience": string, "why_matters": string, "bad_solutions": [string], "urgency": int 0-100, "quotes": [string]}
Set "discard" true when the post is not a real recurring problem (rants, memes, one-off questions).
Quotes must be verbatim fragments from the post.`

	defaultSpecPrompt = `You turn a problem analysis into a specification for a small digital product.
Respond with a single JSON object, no prose, matching:
{"build": bool, "type": "guide"|"template"|"prompt_pack", "title": string, "buyer": string, "job_to_be_done": string, "deliverables": [string], "failure_reason": string, "price": decimal USD, "confidence": int 0-100}
Set "build" false with a failure_reason when no sellable product exists.
Deliverables are concrete items the buyer receives; list at least three when building.`

	defaultContentPrompt = `You write the full content of a digital product in markdown, following the provided specification exactly.
Deliver every item in the deliverables list. Be specific and actionable: concrete steps, real examples, no filler.
Output only the markdown document.`

	defaultVerifyPrompt = `You are a harsh reviewer of digital product content.
Respond with a single JSON object, no prose, matching:
{"pass": bool, "reasons": [string], "missing": [string], "generic": bool, "example_score": int 0-10, "needs_regeneration": bool}
Fail content that skips deliverables, stays generic, or lacks worked examples.`

	defaultListingPrompt = `You write storefront listing copy for a digital product.
Output plain text with exactly two labeled fields:
Title: <compelling product title, max 80 characters>
Description: <3-5 sentences selling the product to its buyer>`
)

// LoadTemplates returns the built-in prompts, overridden by any
// per-stage files present in dir. An empty dir loads only built-ins.
func LoadTemplates(dir string) (*Templates, error) {
	t := &Templates{
		Problem: defaultProblemPrompt,
		Spec:    defaultSpecPrompt,
		Content: defaultContentPrompt,
		Verify:  defaultVerifyPrompt,
		Listing: defaultListingPrompt,
	}
	if dir == "" {
		return t, nil
	}

	overrides := map[models.Stage]*string{
		models.StageProblem: &t.Problem,
		models.StageSpec:    &t.Spec,
		models.StageContent: &t.Content,
		models.StageVerify:  &t.Verify,
		models.StageListing: &t.Listing,
	}
	for stage, target := range overrides {
		path := filepath.Join(dir, string(stage)+".txt")
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read template %s: %w", path, err)
		}
		*target = string(data)
	}
	return t, nil
}
