// Package config loads and validates the pipewright.yaml configuration
// file. Every section has working defaults; a missing file yields the
// default configuration rather than an error.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration
type Config struct {
	// DataDir is where event logs, dlq ledgers, the session database, and
	// the active-pipelines file live.
	// Default: .pipewright
	DataDir string `yaml:"data_dir"`

	Retry      RetryConfig    `yaml:"retry"`
	Merge      MergeConfig    `yaml:"merge"`
	AgentStuck StuckConfig    `yaml:"agent_stuck"`
	Pipeline   PipelineConfig `yaml:"pipeline"`
	DLQ        DLQConfig      `yaml:"dlq"`
	Delivery   DeliveryConfig `yaml:"delivery"`
	Agent      AgentConfig    `yaml:"agent"`
	Events     EventsConfig   `yaml:"events"`
}

// RetryConfig holds the CI and review retry budgets and the prompts
// used when respawning an agent.
type RetryConfig struct {
	// CIMaxRetries is how many CI failures are retried before escalation.
	// Default: 3, Range: 0-20
	CIMaxRetries int `yaml:"ci_max_retries"`
	// CIPrompt is the respawn prompt after a CI failure
	CIPrompt string `yaml:"ci_prompt"`
	// ReviewMaxRetries is how many change-request rounds are retried
	// before escalation.
	// Default: 3, Range: 0-20
	ReviewMaxRetries int `yaml:"review_max_retries"`
	// ReviewPrompt is the respawn prompt after review changes requested
	ReviewPrompt string `yaml:"review_prompt"`
}

// MergeConfig controls the merge reaction
type MergeConfig struct {
	// AutoMerge enables merging without human action
	AutoMerge bool `yaml:"auto_merge"`
	// MergeOnApproval additionally requires an approving review before
	// auto-merging.
	// Default: true
	MergeOnApproval bool `yaml:"merge_on_approval"`
	// ApprovedTemplate is the notification sent when a PR is ready but
	// auto-merge is off. #{issueNumber} and #{prNumber} interpolate.
	ApprovedTemplate string `yaml:"approved_template"`
}

// StuckConfig controls stuck-agent detection
type StuckConfig struct {
	// AfterMin is the silence window in minutes before a session counts
	// as stuck.
	// Default: 30, Range: 1-1440
	AfterMin int `yaml:"after_min"`
	// Action is "notify" or "escalate".
	// Default: notify
	Action string `yaml:"action"`
}

// After returns the stuck window as a duration
func (c StuckConfig) After() time.Duration {
	return time.Duration(c.AfterMin) * time.Minute
}

// PipelineConfig controls the quality pipeline
type PipelineConfig struct {
	// MaxAttempts bounds correction cycles after the first wave.
	// Default: 2, Range: 1-10
	MaxAttempts int `yaml:"max_attempts"`
	// SmallMaxLines and MediumMaxLines are the tier thresholds in changed
	// lines.
	// Defaults: 50 and 400
	SmallMaxLines  int `yaml:"small_max_lines"`
	MediumMaxLines int `yaml:"medium_max_lines"`
}

// DLQConfig controls the dead letter queue
type DLQConfig struct {
	// Enabled controls whether failed deliveries are recorded.
	// Default: true
	Enabled bool `yaml:"enabled"`
	// BaseDelaySeconds is the delay before the first retry.
	// Default: 30, Range: 1-3600
	BaseDelaySeconds int `yaml:"base_delay_seconds"`
	// BackoffFactor multiplies the delay per prior failure.
	// Default: 2.0, Range: 1.0-10.0
	BackoffFactor float64 `yaml:"backoff_factor"`
	// MaxRetries is the redelivery budget before an entry is exhausted.
	// Default: 5, Range: 1-50
	MaxRetries int `yaml:"max_retries"`
}

// BaseDelay returns the base delay as a duration
func (c DLQConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelaySeconds) * time.Second
}

// WebhookConfig defines one outbound webhook adapter
type WebhookConfig struct {
	// Name identifies the adapter in logs and dlq ledgers
	Name string `yaml:"name"`
	// URL receives each event as a JSON POST
	URL string `yaml:"url"`
	// Headers are added to every request
	Headers map[string]string `yaml:"headers"`
}

// DeliveryConfig controls outbound event delivery
type DeliveryConfig struct {
	// Webhooks are the outbound adapters; empty disables delivery
	Webhooks []WebhookConfig `yaml:"webhooks"`
	// SweepIntervalSeconds is how often the dlq retry sweep runs.
	// Default: 60, Range: 1-3600
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
}

// SweepInterval returns the sweep interval as a duration
func (c DeliveryConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// AgentConfig controls the agent executor backend
type AgentConfig struct {
	// Model to use; empty selects the executor default
	Model string `yaml:"model"`
	// MaxConcurrent limits concurrent agent API calls.
	// Default: 4, Range: 1-64
	MaxConcurrent int `yaml:"max_concurrent"`
	// RequestsPerMinute throttles API call starts.
	// Default: 30, Range: 1-1000
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// EventsConfig controls durable event log housekeeping
type EventsConfig struct {
	// RetentionDays is how long request event logs are kept before the
	// cleanup pass may remove them. 0 disables cleanup.
	// Default: 30, Range: 0-365
	RetentionDays int `yaml:"retention_days"`
}

// DefaultConfig returns the configuration used when no file is present
func DefaultConfig() *Config {
	return &Config{
		DataDir: ".pipewright",
		Retry: RetryConfig{
			CIMaxRetries:     3,
			CIPrompt:         "CI failed for your change. Inspect the failing checks, fix the root cause, and push an update.",
			ReviewMaxRetries: 3,
			ReviewPrompt:     "The review requested changes. Address every review comment, then push an update.",
		},
		Merge: MergeConfig{
			AutoMerge:        false,
			MergeOnApproval:  true,
			ApprovedTemplate: "PR #{prNumber} for issue #{issueNumber} is approved with green CI and ready to merge.",
		},
		AgentStuck: StuckConfig{
			AfterMin: 30,
			Action:   "notify",
		},
		Pipeline: PipelineConfig{
			MaxAttempts:    2,
			SmallMaxLines:  50,
			MediumMaxLines: 400,
		},
		DLQ: DLQConfig{
			Enabled:          true,
			BaseDelaySeconds: 30,
			BackoffFactor:    2.0,
			MaxRetries:       5,
		},
		Delivery: DeliveryConfig{
			SweepIntervalSeconds: 60,
		},
		Agent: AgentConfig{
			MaxConcurrent:     4,
			RequestsPerMinute: 30,
		},
		Events: EventsConfig{
			RetentionDays: 30,
		},
	}
}

// Load reads the configuration file at path. A missing file returns the
// defaults; a present file is parsed over the defaults, so partial files
// only override what they mention.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config in %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks every section for out-of-range values
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Retry.CIMaxRetries < 0 || c.Retry.CIMaxRetries > 20 {
		return fmt.Errorf("retry.ci_max_retries must be between 0 and 20 (got %d)", c.Retry.CIMaxRetries)
	}
	if c.Retry.ReviewMaxRetries < 0 || c.Retry.ReviewMaxRetries > 20 {
		return fmt.Errorf("retry.review_max_retries must be between 0 and 20 (got %d)", c.Retry.ReviewMaxRetries)
	}
	if c.AgentStuck.AfterMin < 1 || c.AgentStuck.AfterMin > 1440 {
		return fmt.Errorf("agent_stuck.after_min must be between 1 and 1440 (got %d)", c.AgentStuck.AfterMin)
	}
	if c.AgentStuck.Action != "notify" && c.AgentStuck.Action != "escalate" {
		return fmt.Errorf("agent_stuck.action must be notify or escalate (got %q)", c.AgentStuck.Action)
	}
	if c.Pipeline.MaxAttempts < 1 || c.Pipeline.MaxAttempts > 10 {
		return fmt.Errorf("pipeline.max_attempts must be between 1 and 10 (got %d)", c.Pipeline.MaxAttempts)
	}
	if c.Pipeline.SmallMaxLines < 1 || c.Pipeline.MediumMaxLines <= c.Pipeline.SmallMaxLines {
		return fmt.Errorf("pipeline tier thresholds must satisfy 0 < small_max_lines < medium_max_lines")
	}
	if c.DLQ.BaseDelaySeconds < 1 || c.DLQ.BaseDelaySeconds > 3600 {
		return fmt.Errorf("dlq.base_delay_seconds must be between 1 and 3600 (got %d)", c.DLQ.BaseDelaySeconds)
	}
	if c.DLQ.BackoffFactor < 1.0 || c.DLQ.BackoffFactor > 10.0 {
		return fmt.Errorf("dlq.backoff_factor must be between 1.0 and 10.0 (got %g)", c.DLQ.BackoffFactor)
	}
	if c.DLQ.MaxRetries < 1 || c.DLQ.MaxRetries > 50 {
		return fmt.Errorf("dlq.max_retries must be between 1 and 50 (got %d)", c.DLQ.MaxRetries)
	}
	if c.Delivery.SweepIntervalSeconds < 1 || c.Delivery.SweepIntervalSeconds > 3600 {
		return fmt.Errorf("delivery.sweep_interval_seconds must be between 1 and 3600 (got %d)", c.Delivery.SweepIntervalSeconds)
	}
	for i, hook := range c.Delivery.Webhooks {
		if hook.Name == "" || hook.URL == "" {
			return fmt.Errorf("delivery.webhooks[%d] needs both name and url", i)
		}
	}
	if c.Agent.MaxConcurrent < 1 || c.Agent.MaxConcurrent > 64 {
		return fmt.Errorf("agent.max_concurrent must be between 1 and 64 (got %d)", c.Agent.MaxConcurrent)
	}
	if c.Agent.RequestsPerMinute < 1 || c.Agent.RequestsPerMinute > 1000 {
		return fmt.Errorf("agent.requests_per_minute must be between 1 and 1000 (got %d)", c.Agent.RequestsPerMinute)
	}
	if c.Events.RetentionDays < 0 || c.Events.RetentionDays > 365 {
		return fmt.Errorf("events.retention_days must be between 0 and 365 (got %d)", c.Events.RetentionDays)
	}
	return nil
}
