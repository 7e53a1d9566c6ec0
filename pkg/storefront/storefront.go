// Package storefront uploads finished products to the e-commerce
// storefront. The pipeline makes one logical upload attempt per post;
// only transport-level failures re-enter the retry policy.
package storefront

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mintline/mintline/pkg/retrypolicy"
)

// ProductInput is the listing to create.
type ProductInput struct {
	Title       string
	Description string
	PriceCents  int
}

// Product is a created listing.
type Product struct {
	ID  string `json:"product_id"`
	URL string `json:"url"`
}

// Client is the storefront remote.
type Client interface {
	CreateProduct(ctx context.Context, input ProductInput) (*Product, error)
}

// HTTPClient talks to a storefront's product-creation endpoint with an
// access token.
type HTTPClient struct {
	baseURL     string
	accessToken string
	client      *http.Client
}

// Option configures the client.
type Option func(*HTTPClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) { c.client = hc }
}

// NewHTTPClient creates a storefront client.
func NewHTTPClient(baseURL, accessToken string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		accessToken: accessToken,
		client:      &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type createResponse struct {
	Success bool `json:"success"`
	Product struct {
		ID       string `json:"id"`
		ShortURL string `json:"short_url"`
	} `json:"product"`
	Message string `json:"message"`
}

// CreateProduct creates one listing. Non-2xx responses surface as
// StatusError so the caller's policy can distinguish a transport blip
// from a logical rejection.
func (c *HTTPClient) CreateProduct(ctx context.Context, input ProductInput) (*Product, error) {
	form := url.Values{}
	form.Set("name", input.Title)
	form.Set("description", input.Description)
	form.Set("price", strconv.Itoa(input.PriceCents))
	form.Set("access_token", c.accessToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v2/products", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build product request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("storefront create: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("storefront response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &retrypolicy.StatusError{
			Remote:     string(retrypolicy.RemoteStorefront),
			StatusCode: resp.StatusCode,
			Body:       truncate(string(body), 300),
		}
	}

	var decoded createResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("storefront response decode: %w", err)
	}
	if !decoded.Success {
		return nil, &retrypolicy.SchemaError{
			Err: fmt.Errorf("storefront rejected product: %s", decoded.Message),
		}
	}
	return &Product{ID: decoded.Product.ID, URL: decoded.Product.ShortURL}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
