package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/mintline/mintline/pkg/retrypolicy"
)

// AnthropicClient implements Client over the Anthropic Messages API.
type AnthropicClient struct {
	client  anthropic.Client
	timeout time.Duration
}

// AnthropicOption configures the client.
type AnthropicOption func(*anthropicConfig)

type anthropicConfig struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
}

// WithBaseURL sets a custom API base URL.
func WithBaseURL(url string) AnthropicOption {
	return func(c *anthropicConfig) { c.baseURL = url }
}

// WithTimeout sets the per-call deadline.
func WithTimeout(d time.Duration) AnthropicOption {
	return func(c *anthropicConfig) { c.timeout = d }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) AnthropicOption {
	return func(c *anthropicConfig) { c.httpClient = client }
}

// defaultCallTimeout bounds a single completion call. Overruns classify
// as transient and re-enter the retry policy.
const defaultCallTimeout = 120 * time.Second

// NewAnthropicClient creates a client with the given API key.
func NewAnthropicClient(apiKey string, opts ...AnthropicOption) *AnthropicClient {
	cfg := &anthropicConfig{timeout: defaultCallTimeout}
	for _, opt := range opts {
		opt(cfg)
	}

	clientOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0), // retries belong to the pipeline's policy
	}
	if cfg.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.httpClient != nil {
		clientOpts = append(clientOpts, option.WithHTTPClient(cfg.httpClient))
	}

	return &AnthropicClient{
		client:  anthropic.NewClient(clientOpts...),
		timeout: cfg.timeout,
	}
}

// Complete sends one message request and maps the response and its
// usage actuals. API errors are wrapped into retrypolicy.StatusError so
// classification stays structural.
func (c *AnthropicClient) Complete(ctx context.Context, req Request) (*Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	maxTokens := int64(req.MaxTokens)
	if maxTokens == 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.User)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	msg, err := c.client.Messages.New(callCtx, params)
	if err != nil {
		return nil, wrapAnthropicError(err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.AsText().Text
		}
	}

	return &Response{
		Text:      text,
		TokensIn:  int(msg.Usage.InputTokens),
		TokensOut: int(msg.Usage.OutputTokens),
		Model:     string(msg.Model),
	}, nil
}

func wrapAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &retrypolicy.StatusError{
			Remote:     string(retrypolicy.RemoteLLM),
			StatusCode: apiErr.StatusCode,
			Body:       apiErr.Error(),
		}
	}
	return fmt.Errorf("anthropic: messages: %w", err)
}
