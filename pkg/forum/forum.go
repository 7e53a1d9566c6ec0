// Package forum fetches candidate posts from the discussion forum's
// public JSON API.
package forum

import (
	"context"

	"github.com/mintline/mintline/pkg/models"
)

// Client is the forum remote the ingest stage consumes.
type Client interface {
	// FetchPosts returns recent posts from the given origins, keeping
	// only those at or above minScore, at most limitPerOrigin each.
	FetchPosts(ctx context.Context, origins []string, minScore, limitPerOrigin int) ([]models.Post, error)
}
