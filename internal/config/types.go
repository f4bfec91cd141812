package config

import "time"

// Config is the top-level revq configuration.
type Config struct {
	PR        PRConfig        `json:"pr"`
	Pipeline  PipelineConfig  `json:"pipeline"`
	RateLimit RateLimitConfig `json:"ratelimit"`
	Workflow  WorkflowConfig  `json:"workflow"`
	Server    ServerConfig    `json:"server"`
}

// PRConfig identifies the review source and the bot whose threads revq
// resolves.
type PRConfig struct {
	DefaultProvider string                    `json:"default_provider"`
	BotAuthor       string                    `json:"bot_author"`
	Providers       map[string]ProviderConfig `json:"providers"`
}

// ProviderConfig holds provider-specific credentials. A single struct
// with omitempty keeps the providers map schema uniform across backends.
type ProviderConfig struct {
	Token   string `json:"token,omitempty"`
	BaseURL string `json:"base_url,omitempty"`
}

// PipelineConfig controls the automatic resolution run.
type PipelineConfig struct {
	MaxIterations  int    `json:"max_iterations"`
	Analyzers      int    `json:"analyzers"`
	IterationDelay string `json:"iteration_delay"`
	CITimeout      string `json:"ci_timeout"`
	CIPollInterval string `json:"ci_poll_interval"`
	PageSize       int    `json:"page_size"`
}

// ParseIterationDelay returns the inter-iteration delay.
func (p PipelineConfig) ParseIterationDelay() time.Duration {
	d, err := time.ParseDuration(p.IterationDelay)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// ParseCIPollInterval returns the CI polling interval.
func (p PipelineConfig) ParseCIPollInterval() time.Duration {
	d, err := time.ParseDuration(p.CIPollInterval)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// CIMaxAttempts derives the polling attempt budget from the configured
// timeout and interval.
func (p PipelineConfig) CIMaxAttempts() int {
	timeout, err := time.ParseDuration(p.CITimeout)
	if err != nil || timeout <= 0 {
		timeout = 5 * time.Minute
	}
	interval := p.ParseCIPollInterval()
	n := int(timeout / interval)
	if n < 1 {
		n = 1
	}
	return n
}

// RateLimitConfig bounds outbound API traffic.
type RateLimitConfig struct {
	MaxPerHour        int     `json:"max_per_hour"`
	MaxPerMinute      int     `json:"max_per_minute"`
	MaxConcurrent     int     `json:"max_concurrent"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
	MaxBackoff        string  `json:"max_backoff"`
}

// ParseMaxBackoff returns the backoff cap.
func (r RateLimitConfig) ParseMaxBackoff() time.Duration {
	d, err := time.ParseDuration(r.MaxBackoff)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// WorkflowConfig controls interactive resolution.
type WorkflowConfig struct {
	// SelfCorrectionPhrases override the built-in retraction markers
	// when non-empty.
	SelfCorrectionPhrases []string `json:"self_correction_phrases,omitempty"`
}

// ServerConfig holds the HTTP front end settings.
type ServerConfig struct {
	Port int `json:"port"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		PR: PRConfig{
			DefaultProvider: "github",
			BotAuthor:       "coderabbitai",
			Providers:       make(map[string]ProviderConfig),
		},
		Pipeline: PipelineConfig{
			MaxIterations:  5,
			Analyzers:      3,
			IterationDelay: "30s",
			CITimeout:      "5m",
			CIPollInterval: "10s",
			PageSize:       50,
		},
		RateLimit: RateLimitConfig{
			MaxPerHour:        3000,
			MaxPerMinute:      60,
			MaxConcurrent:     5,
			BackoffMultiplier: 2,
			MaxBackoff:        "5m",
		},
		Server: ServerConfig{
			Port: 4199,
		},
	}
}
