package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all daemon configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Task tracker (optional; without a token the daemon only serves health)
	TrackerAPIToken     string  `envconfig:"TRACKER_API_TOKEN"`
	TrackerBaseURL      string  `envconfig:"TRACKER_BASE_URL" default:"https://api.clickup.com/api/v2"`
	TrackerRateLimitRPS float64 `envconfig:"TRACKER_RATE_LIMIT_RPS" default:"1.5"` // ClickUp allows 100 req/min

	// Webhook / HTTP surface
	WebhookPort   int    `envconfig:"WEBHOOK_PORT" default:"3001"`
	WebhookSecret string `envconfig:"WEBHOOK_SECRET"`

	// Scheduling
	SyncInterval time.Duration `envconfig:"SYNC_INTERVAL" default:"5m"`
	InitialDelay time.Duration `envconfig:"INITIAL_DELAY" default:"5s"`
	InsightHour  int           `envconfig:"INSIGHT_HOUR" default:"9"`

	// Persistence
	DocsPath   string `envconfig:"DOCS_PATH" default:"./project-docs"`
	RulesWatch bool   `envconfig:"RULES_WATCH" default:"false"`

	// Sync processing
	RetryDelay      time.Duration `envconfig:"RETRY_DELAY" default:"60s"`
	RetryMaxDelay   time.Duration `envconfig:"RETRY_MAX_DELAY" default:"30m"`
	MaxAttempts     int           `envconfig:"MAX_ATTEMPTS" default:"5"`
	SyncWorkers     int           `envconfig:"SYNC_WORKERS" default:"4"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`

	// Auto-management
	MaxOpenPerAssignee int `envconfig:"MAX_OPEN_PER_ASSIGNEE" default:"10"`

	// Management API auth (none when both are empty)
	MgmtAPIKey    string `envconfig:"MGMT_API_KEY"`
	MgmtJWTSecret string `envconfig:"MGMT_JWT_SECRET"`

	// Slack notifications (optional, log notifications otherwise)
	SlackBotToken string `envconfig:"SLACK_BOT_TOKEN"`
	SlackChannel  string `envconfig:"SLACK_CHANNEL" default:"#project-insights"`
}

// TrackerEnabled returns true if the task tracker credentials are configured.
func (c *Config) TrackerEnabled() bool {
	return c.TrackerAPIToken != ""
}

// SlackEnabled returns true if a Slack bot token is configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != ""
}

// WebhookSecretEnabled returns true if inbound webhooks must be signed.
func (c *Config) WebhookSecretEnabled() bool {
	return c.WebhookSecret != ""
}

// MgmtAuthMode returns the auth mode for management routes.
func (c *Config) MgmtAuthMode() string {
	switch {
	case c.MgmtJWTSecret != "":
		return "jwt"
	case c.MgmtAPIKey != "":
		return "api-key"
	default:
		return "none"
	}
}

// ListenAddr returns the HTTP listen address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.WebhookPort)
}

// Validate checks values envconfig cannot express as tags.
func (c *Config) Validate() error {
	var problems []string
	if c.SyncInterval <= 0 {
		problems = append(problems, "SYNC_INTERVAL must be positive")
	}
	if c.InsightHour < 0 || c.InsightHour > 23 {
		problems = append(problems, "INSIGHT_HOUR must be between 0 and 23")
	}
	if c.MaxAttempts < 1 {
		problems = append(problems, "MAX_ATTEMPTS must be at least 1")
	}
	if c.SyncWorkers < 1 {
		problems = append(problems, "SYNC_WORKERS must be at least 1")
	}
	if c.WebhookPort <= 0 || c.WebhookPort > 65535 {
		problems = append(problems, "WEBHOOK_PORT must be a valid port")
	}
	if strings.TrimSpace(c.DocsPath) == "" {
		problems = append(problems, "DOCS_PATH must not be empty")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	return LoadWithPrefix("")
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config with prefix %s: %w", prefix, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
