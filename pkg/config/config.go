// Package config loads and validates the pipeline configuration from a
// YAML file with environment expansion, merged over built-in defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Duration parses YAML values like "90s" or "24h" (plain integers are
// taken as nanoseconds, matching time.Duration's underlying unit).
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var ns int64
	if err := value.Decode(&ns); err == nil {
		*d = Duration(ns)
		return nil
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full configuration surface.
type Config struct {
	// Ingestion
	Origins        []string `yaml:"origins"`
	MinScore       int      `yaml:"min_score"`
	PostsPerOrigin int      `yaml:"posts_per_origin"`

	// Cost budgets and prices
	MaxTokensPerRun  int     `yaml:"max_tokens_per_run"`
	MaxUSDPerRun     float64 `yaml:"max_usd_per_run"`
	MaxUSDLifetime   float64 `yaml:"max_usd_lifetime"`
	PriceInPerToken  float64 `yaml:"price_in_per_token"`
	PriceOutPerToken float64 `yaml:"price_out_per_token"`

	// Pipeline behavior
	MaxRegenerations int    `yaml:"max_regenerations"`
	KillSwitch       bool   `yaml:"kill_switch"`
	Model            string `yaml:"model"`

	// Paths
	ArtifactsRoot string `yaml:"artifacts_root"`
	DatabasePath  string `yaml:"database_path"`
	PromptsDir    string `yaml:"prompts_dir"`

	// Dashboard
	DashboardPort int `yaml:"dashboard_port"`

	// Remotes
	LLMAPIKeyEnv       string   `yaml:"llm_api_key_env"`
	LLMCallTimeout     Duration `yaml:"llm_call_timeout"`
	StorefrontURL      string   `yaml:"storefront_url"`
	StorefrontTokenEnv string   `yaml:"storefront_token_env"`
	ForumBaseURL       string   `yaml:"forum_base_url"`

	// Backups
	BackupInterval Duration `yaml:"backup_interval"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		MinScore:         20,
		PostsPerOrigin:   25,
		MaxTokensPerRun:  200_000,
		MaxUSDPerRun:     2.0,
		MaxUSDLifetime:   50.0,
		PriceInPerToken:  3e-6,
		PriceOutPerToken: 15e-6,
		MaxRegenerations: 1,
		Model:            "claude-3-5-haiku-20241022",
		ArtifactsRoot:    "./data/artifacts",
		DatabasePath:     "./data/pipeline.db",
		DashboardPort:    8000,
		LLMAPIKeyEnv:       "ANTHROPIC_API_KEY",
		LLMCallTimeout:     Duration(2 * time.Minute),
		StorefrontTokenEnv: "STOREFRONT_ACCESS_TOKEN",
		BackupInterval:     Duration(24 * time.Hour),
	}
}

// Load reads path, expands ${VAR} references, parses the YAML, and
// merges the result over the defaults. A missing file yields the
// defaults untouched.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	expanded := expandEnv(string(data))

	var fileCfg Config
	if err := yaml.Unmarshal([]byte(expanded), &fileCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := mergo.Merge(&cfg, fileCfg, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge config: %w", err)
	}
	return &cfg, nil
}

// expandEnv replaces ${VAR} with the environment value. Unset variables
// expand to the empty string, which validation then reports in context.
func expandEnv(s string) string {
	return os.Expand(s, func(key string) string {
		return os.Getenv(key)
	})
}
