// Package config loads process configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Storage
	DBPath string `envconfig:"AUTODEV_DB_PATH" default:"autodev.db"`

	// Advisor (Anthropic Messages API). Key absence is a startup warning,
	// not an error; failures surface lazily on first use.
	AdvisorAPIKey string `envconfig:"ANTHROPIC_API_KEY"`
	AdvisorModel  string `envconfig:"ADVISOR_MODEL" default:"claude-sonnet-4-20250514"`

	// Scheduler poll intervals
	SelectorInterval time.Duration `envconfig:"SELECTOR_INTERVAL" default:"10s"`
	ReviewInterval   time.Duration `envconfig:"REVIEW_INTERVAL" default:"10s"`
	TimeoutInterval  time.Duration `envconfig:"TIMEOUT_INTERVAL" default:"10s"`

	// Stage timeouts
	InProgressTimeout time.Duration `envconfig:"IN_PROGRESS_TIMEOUT" default:"20m"`
	InReviewTimeout   time.Duration `envconfig:"IN_REVIEW_TIMEOUT" default:"20m"`

	// Merge conflict escalation ceiling
	MaxMergeConflicts int `envconfig:"MAX_MERGE_CONFLICTS" default:"5"`

	// WorkspacesRoot is where executor workspaces are checked out on the
	// shared volume; the review engine resolves worktrees beneath it.
	WorkspacesRoot string `envconfig:"WORKSPACES_ROOT" default:"/var/lib/autodev/workspaces"`

	// Workspace starter (optional; selector runs without auto-attempt when unset)
	WorkspaceStarterEnabled bool   `envconfig:"WORKSPACE_STARTER_ENABLED" default:"false"`
	KubeconfigPath          string `envconfig:"KUBECONFIG_PATH"`
	WorkspaceNamespace      string `envconfig:"WORKSPACE_NAMESPACE" default:"autodev"`
	ProfilePath             string `envconfig:"EXECUTOR_PROFILE_PATH"`

	// Notifications (optional)
	SlackWebhookURL string `envconfig:"SLACK_WEBHOOK_URL"`

	// Ops server (probes and Prometheus metrics)
	OpsPort int `envconfig:"OPS_PORT" default:"8080"`

	// Management API
	MgmtListenAddr  string `envconfig:"MGMT_LISTEN_ADDR" default:":8090"`
	MgmtAuthMode    string `envconfig:"MGMT_AUTH_MODE" default:"api-key"`
	MgmtAPIKey      string `envconfig:"MGMT_API_KEY"`
	MgmtCORSOrigins string `envconfig:"MGMT_CORS_ORIGINS"`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("processing env config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks invariants that envconfig defaults cannot express.
func (c *Config) Validate() error {
	if c.MaxMergeConflicts < 1 {
		return fmt.Errorf("MAX_MERGE_CONFLICTS must be >= 1, got %d", c.MaxMergeConflicts)
	}
	if c.SelectorInterval <= 0 || c.ReviewInterval <= 0 || c.TimeoutInterval <= 0 {
		return fmt.Errorf("scheduler intervals must be positive")
	}
	return nil
}

// AdvisorEnabled returns true if an advisor API key is configured.
func (c *Config) AdvisorEnabled() bool {
	return c.AdvisorAPIKey != ""
}

// SlackEnabled returns true if the Slack webhook is configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackWebhookURL != ""
}
