package config

import (
	"fmt"
	"strings"
)

// InvalidError carries every validation failure found, so a bad config
// is fixed in one pass rather than one restart per field.
type InvalidError struct {
	Reasons []string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("configuration invalid: %s", strings.Join(e.Reasons, "; "))
}

// Validate checks the configuration for startup. It collects every
// reason before failing.
func (c *Config) Validate() error {
	var reasons []string

	if len(c.Origins) == 0 {
		reasons = append(reasons, "origins: at least one forum origin is required")
	}
	if c.MinScore < 0 {
		reasons = append(reasons, "min_score: must not be negative")
	}
	if c.PostsPerOrigin <= 0 {
		reasons = append(reasons, "posts_per_origin: must be positive")
	}
	if c.MaxTokensPerRun <= 0 {
		reasons = append(reasons, "max_tokens_per_run: must be positive")
	}
	if c.MaxUSDPerRun <= 0 {
		reasons = append(reasons, "max_usd_per_run: must be positive")
	}
	if c.MaxUSDLifetime <= 0 {
		reasons = append(reasons, "max_usd_lifetime: must be positive")
	}
	if c.MaxUSDPerRun > c.MaxUSDLifetime {
		reasons = append(reasons, "max_usd_per_run: exceeds max_usd_lifetime")
	}
	if c.PriceInPerToken <= 0 {
		reasons = append(reasons, "price_in_per_token: must be positive")
	}
	if c.PriceOutPerToken <= 0 {
		reasons = append(reasons, "price_out_per_token: must be positive")
	}
	if c.MaxRegenerations < 0 {
		reasons = append(reasons, "max_regenerations: must not be negative")
	}
	if c.Model == "" {
		reasons = append(reasons, "model: required")
	}
	if c.ArtifactsRoot == "" {
		reasons = append(reasons, "artifacts_root: required")
	}
	if c.DatabasePath == "" {
		reasons = append(reasons, "database_path: required")
	}
	if c.DashboardPort <= 0 || c.DashboardPort > 65535 {
		reasons = append(reasons, fmt.Sprintf("dashboard_port: %d out of range", c.DashboardPort))
	}

	if len(reasons) > 0 {
		return &InvalidError{Reasons: reasons}
	}
	return nil
}
