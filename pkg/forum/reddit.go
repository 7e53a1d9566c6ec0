package forum

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/mintline/mintline/pkg/models"
	"github.com/mintline/mintline/pkg/retrypolicy"
	"github.com/mintline/mintline/pkg/version"
)

// userAgent identifies the client per the API's etiquette; anonymous
// default agents get throttled aggressively.
var userAgent = version.Full() + " (content pipeline)"

const defaultBaseURL = "https://www.reddit.com"


// RedditClient fetches posts from Reddit's public JSON listings.
type RedditClient struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// RedditOption configures the client.
type RedditOption func(*RedditClient)

// WithBaseURL points the client at a different endpoint.
func WithBaseURL(url string) RedditOption {
	return func(c *RedditClient) { c.baseURL = url }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) RedditOption {
	return func(c *RedditClient) { c.client = hc }
}

// WithRateLimit overrides the request pacing.
func WithRateLimit(l *rate.Limiter) RedditOption {
	return func(c *RedditClient) { c.limiter = l }
}

// NewRedditClient creates a client with one request per two seconds
// pacing, which keeps a single pipeline well inside the public API's
// tolerance.
func NewRedditClient(opts ...RedditOption) *RedditClient {
	c := &RedditClient{
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Every(2*time.Second), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// listingResponse mirrors the subset of the listing payload we read.
type listingResponse struct {
	Data struct {
		Children []struct {
			Data struct {
				ID         string  `json:"id"`
				Subreddit  string  `json:"subreddit"`
				Title      string  `json:"title"`
				Author     string  `json:"author"`
				SelfText   string  `json:"selftext"`
				URL        string  `json:"url"`
				Permalink  string  `json:"permalink"`
				Score      int     `json:"score"`
				CreatedUTC float64 `json:"created_utc"`
			} `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

// FetchPosts fetches each origin's newest listing and filters by score.
// A failing origin is logged and skipped; the remaining origins still
// return.
func (c *RedditClient) FetchPosts(ctx context.Context, origins []string, minScore, limitPerOrigin int) ([]models.Post, error) {
	var posts []models.Post
	for _, origin := range origins {
		fetched, err := c.fetchOrigin(ctx, origin, limitPerOrigin)
		if err != nil {
			if ctx.Err() != nil {
				return posts, ctx.Err()
			}
			slog.Warn("Failed to fetch origin", "origin", origin, "error", err)
			continue
		}
		for _, p := range fetched {
			if p.Score >= minScore {
				posts = append(posts, p)
			}
		}
	}
	return posts, nil
}

func (c *RedditClient) fetchOrigin(ctx context.Context, origin string, limit int) ([]models.Post, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/r/%s/new.json?limit=%d&raw_json=1", c.baseURL, origin, limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for r/%s: %w", origin, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("r/%s listing: %w", origin, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("r/%s listing body: %w", origin, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &retrypolicy.StatusError{
			Remote:     string(retrypolicy.RemoteForum),
			StatusCode: resp.StatusCode,
			Body:       truncate(string(body), 200),
		}
	}

	var listing listingResponse
	if err := json.Unmarshal(body, &listing); err != nil {
		return nil, fmt.Errorf("r/%s listing decode: %w", origin, err)
	}

	posts := make([]models.Post, 0, len(listing.Data.Children))
	for _, child := range listing.Data.Children {
		d := child.Data
		raw, _ := json.Marshal(d)
		posts = append(posts, models.Post{
			ID:       d.ID,
			Title:    d.Title,
			Body:     d.SelfText,
			Origin:   d.Subreddit,
			Author:   d.Author,
			URL:      "https://www.reddit.com" + d.Permalink,
			Score:    d.Score,
			PostedAt: time.Unix(int64(d.CreatedUTC), 0).UTC(),
			Raw:      raw,
		})
	}
	return posts, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
