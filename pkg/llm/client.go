// Package llm defines the completion client the gateway consumes and
// its Anthropic implementation. The pipeline never talks to a provider
// except through this interface.
package llm

import "context"

// Mode selects how the response will be interpreted downstream.
type Mode string

const (
	// ModeStructured expects the returned text to parse as the stage schema.
	ModeStructured Mode = "structured"
	// ModeText expects free-form text.
	ModeText Mode = "text"
)

// Request is one completion request.
type Request struct {
	System    string
	User      string
	MaxTokens int
	Model     string
	Mode      Mode
}

// Response is one completion with the provider's usage actuals. A
// provider that does not report usage leaves the token counts at zero
// and the gateway records its conservative estimates instead.
type Response struct {
	Text      string
	TokensIn  int
	TokensOut int
	Model     string
}

// Client is the LLM remote.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}
