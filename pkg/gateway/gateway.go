// Package gateway fronts the LLM remote. Every call runs the same
// sequence: estimate tokens, clear the cost governor, execute under the
// retry policy, record actual usage. Nothing else in the pipeline calls
// the model.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mintline/mintline/pkg/costgov"
	"github.com/mintline/mintline/pkg/llm"
	"github.com/mintline/mintline/pkg/retrypolicy"
)

// Validator is implemented by structured stage outputs that carry their
// own schema checks.
type Validator interface {
	Validate() error
}

// Gateway wraps the LLM client with cost governance and retries.
type Gateway struct {
	client llm.Client
	gov    *costgov.Governor
	retry  *retrypolicy.Policy
	model  string
}

// New creates a gateway.
func New(client llm.Client, gov *costgov.Governor, retry *retrypolicy.Policy, model string) *Gateway {
	return &Gateway{client: client, gov: gov, retry: retry, model: model}
}

// CallText requests free-form text.
func (g *Gateway) CallText(ctx context.Context, systemPrompt, userText string, maxOutTokens int) (string, error) {
	resp, err := g.call(ctx, systemPrompt, userText, maxOutTokens, llm.ModeText)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// CallStructured requests a value conforming to the stage schema and
// decodes it into out. A non-conforming response is a SchemaError: the
// attempt is terminal and the orchestrator decides regeneration; the
// retry policy never re-issues it.
func (g *Gateway) CallStructured(ctx context.Context, systemPrompt, userText string, maxOutTokens int, out any) error {
	resp, err := g.call(ctx, systemPrompt, userText, maxOutTokens, llm.ModeStructured)
	if err != nil {
		return err
	}

	payload := stripFences(resp.Text)
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return &retrypolicy.SchemaError{Err: fmt.Errorf("response is not valid JSON: %w", err)}
	}
	if v, ok := out.(Validator); ok {
		if err := v.Validate(); err != nil {
			return &retrypolicy.SchemaError{Err: err}
		}
	}
	return nil
}

func (g *Gateway) call(ctx context.Context, systemPrompt, userText string, maxOutTokens int, mode llm.Mode) (*llm.Response, error) {
	estIn := g.gov.EstimateTokens(systemPrompt) + g.gov.EstimateTokens(userText)
	estOut := maxOutTokens

	if err := g.gov.CheckBeforeCall(ctx, estIn, estOut); err != nil {
		return nil, err
	}

	resp, err := retrypolicy.Do(ctx, g.retry, retrypolicy.RemoteLLM, func(ctx context.Context) (*llm.Response, error) {
		return g.client.Complete(ctx, llm.Request{
			System:    systemPrompt,
			User:      userText,
			MaxTokens: maxOutTokens,
			Model:     g.model,
			Mode:      mode,
		})
	})
	if err != nil {
		return nil, err
	}

	// A provider that omits usage actuals is billed at the conservative
	// estimate rather than not at all.
	actualIn, actualOut := resp.TokensIn, resp.TokensOut
	if actualIn == 0 {
		actualIn = estIn
	}
	if actualOut == 0 {
		actualOut = g.gov.EstimateTokens(resp.Text)
	}

	model := resp.Model
	if model == "" {
		model = g.model
	}
	if err := g.gov.RecordUsage(ctx, actualIn, actualOut, model); err != nil {
		return nil, err
	}
	return resp, nil
}

// stripFences removes a markdown code fence around a JSON payload.
// Models under structured instructions still fence their output often
// enough that decoding the raw body first would waste the attempt.
func stripFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return strings.TrimSpace(trimmed)
}
