package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mintline/mintline/pkg/forum"
	"github.com/mintline/mintline/pkg/gateway"
	"github.com/mintline/mintline/pkg/models"
	"github.com/mintline/mintline/pkg/retrypolicy"
	"github.com/mintline/mintline/pkg/sanitize"
	"github.com/mintline/mintline/pkg/storefront"
)

// Per-stage output budgets, in tokens.
const (
	problemMaxOut = 1024
	specMaxOut    = 1024
	contentMaxOut = 8192
	verifyMaxOut  = 1024
	listingMaxOut = 512
)

// maxBodyChars bounds how much post body enters the problem prompt.
const maxBodyChars = 2000

// contentPreviewChars bounds how much content the listing prompt sees.
const contentPreviewChars = 1200

// IngestAgent pulls candidate posts from the forum. Like UploadAgent,
// it does not use the model gateway.
type IngestAgent struct {
	Forum forum.Client
	Retry *retrypolicy.Policy
}

// Run fetches posts from the configured origins, applying ingress
// sanitization to all text before anything downstream sees it.
func (a *IngestAgent) Run(ctx context.Context, origins []string, minScore, limitPerOrigin int) ([]models.Post, error) {
	posts, err := retrypolicy.Do(ctx, a.Retry, retrypolicy.RemoteForum, func(ctx context.Context) ([]models.Post, error) {
		return a.Forum.FetchPosts(ctx, origins, minScore, limitPerOrigin)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch posts: %w", err)
	}
	for i := range posts {
		posts[i].Title = sanitize.Ingress(posts[i].Title)
		posts[i].Body = sanitize.Ingress(posts[i].Body)
		posts[i].Author = sanitize.Ingress(posts[i].Author)
	}
	return posts, nil
}

// ProblemAgent extracts the underlying problem from a post.
type ProblemAgent struct {
	Gateway   *gateway.Gateway
	Templates *Templates
}

// Run returns the problem analysis for one post.
func (a *ProblemAgent) Run(ctx context.Context, post models.Post) (*models.ProblemAnalysis, error) {
	body := TruncateAtBoundary(post.Body, maxBodyChars)
	user := fmt.Sprintf("Origin: %s\nScore: %d\nTitle: %s\n\n%s", post.Origin, post.Score, post.Title, body)

	var analysis models.ProblemAnalysis
	if err := a.Gateway.CallStructured(ctx, a.Templates.Problem, user, problemMaxOut, &analysis); err != nil {
		return nil, err
	}
	return &analysis, nil
}

// SpecAgent turns a problem into a product specification.
type SpecAgent struct {
	Gateway   *gateway.Gateway
	Templates *Templates
}

// Run returns the product spec for one problem analysis.
func (a *SpecAgent) Run(ctx context.Context, problem *models.ProblemAnalysis) (*models.ProductSpec, error) {
	user, err := json.Marshal(problem)
	if err != nil {
		return nil, fmt.Errorf("failed to encode problem analysis: %w", err)
	}

	var spec models.ProductSpec
	if err := a.Gateway.CallStructured(ctx, a.Templates.Spec, string(user), specMaxOut, &spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

// ContentAgent writes the product content.
type ContentAgent struct {
	Gateway   *gateway.Gateway
	Templates *Templates
}

// Run returns the product content as markdown, already cleaned for the
// storefront. The listing sanitizer is intentionally aggressive here;
// raw HTML blocks inside the markdown do not survive.
func (a *ContentAgent) Run(ctx context.Context, spec *models.ProductSpec) (string, error) {
	user, err := json.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("failed to encode spec: %w", err)
	}

	text, err := a.Gateway.CallText(ctx, a.Templates.Content, string(user), contentMaxOut)
	if err != nil {
		return "", err
	}
	return sanitize.Listing(text), nil
}

// VerifyAgent reviews generated content against its spec.
type VerifyAgent struct {
	Gateway   *gateway.Gateway
	Templates *Templates
}

// Run returns the verify report for one content attempt.
func (a *VerifyAgent) Run(ctx context.Context, spec *models.ProductSpec, content string) (*models.VerifyReport, error) {
	specJSON, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode spec: %w", err)
	}
	user := fmt.Sprintf("Specification:\n%s\n\nContent:\n%s", specJSON, content)

	var report models.VerifyReport
	if err := a.Gateway.CallStructured(ctx, a.Templates.Verify, user, verifyMaxOut, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// ListingAgent writes the storefront listing copy.
type ListingAgent struct {
	Gateway   *gateway.Gateway
	Templates *Templates
}

// Run returns listing text carrying Title: and Description: fields.
func (a *ListingAgent) Run(ctx context.Context, spec *models.ProductSpec, content string) (string, error) {
	specJSON, err := json.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("failed to encode spec: %w", err)
	}
	preview := TruncateAtBoundary(content, contentPreviewChars)
	user := fmt.Sprintf("Specification:\n%s\n\nContent preview:\n%s", specJSON, preview)

	text, err := a.Gateway.CallText(ctx, a.Templates.Listing, user, listingMaxOut)
	if err != nil {
		return "", err
	}
	if _, _, err := ParseListing(text); err != nil {
		return "", &retrypolicy.SchemaError{Err: err}
	}
	return text, nil
}

// ParseListing extracts the Title and Description fields from listing
// copy.
func ParseListing(text string) (title, description string, err error) {
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if after, ok := strings.CutPrefix(trimmed, "Title:"); ok && title == "" {
			title = strings.TrimSpace(after)
		}
		if after, ok := strings.CutPrefix(trimmed, "Description:"); ok && description == "" {
			description = strings.TrimSpace(after)
		}
	}
	if title == "" || description == "" {
		return "", "", fmt.Errorf("listing text is missing Title or Description field")
	}
	return title, description, nil
}

// UploadAgent creates the storefront product. One logical attempt per
// post: a rejected listing is terminal, only transport failures retry.
type UploadAgent struct {
	Storefront storefront.Client
	Retry      *retrypolicy.Policy
}

// Run uploads the product and returns the created listing.
func (a *UploadAgent) Run(ctx context.Context, spec *models.ProductSpec, listing string) (*models.UploadResult, error) {
	title, description, err := ParseListing(listing)
	if err != nil {
		title = spec.Title
		description = TruncateAtBoundary(listing, 500)
	}

	input := storefront.ProductInput{
		Title:       sanitize.Listing(title),
		Description: sanitize.Listing(description),
		PriceCents:  spec.PriceCents(),
	}
	product, err := retrypolicy.Do(ctx, a.Retry, retrypolicy.RemoteStorefront, func(ctx context.Context) (*storefront.Product, error) {
		return a.Storefront.CreateProduct(ctx, input)
	})
	if err != nil {
		return nil, err
	}
	return &models.UploadResult{ProductID: product.ID, URL: product.URL}, nil
}

// TruncateAtBoundary cuts s to at most max characters, preferring a
// paragraph break, then a sentence end, then a word break near the
// limit.
func TruncateAtBoundary(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := s[:max]

	if idx := strings.LastIndex(cut, "\n\n"); idx > max/2 {
		return cut[:idx]
	}
	if idx := strings.LastIndexAny(cut, ".!?"); idx > max/2 {
		return cut[:idx+1]
	}
	if idx := strings.LastIndex(cut, " "); idx > 0 {
		return cut[:idx]
	}
	return cut
}
