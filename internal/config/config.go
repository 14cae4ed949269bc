package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Ingest     IngestConfig     `yaml:"ingest" mapstructure:"ingest"`
	Triage     TriageConfig     `yaml:"triage" mapstructure:"triage"`
	Safety     SafetyConfig     `yaml:"safety" mapstructure:"safety"`
	Outbound   OutboundConfig   `yaml:"outbound" mapstructure:"outbound"`
	IMAP       IMAPConfig       `yaml:"imap" mapstructure:"imap"`
	Credential CredentialConfig `yaml:"credential" mapstructure:"credential"`
	Slack      SlackConfig      `yaml:"slack" mapstructure:"slack"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings for the reasoning provider.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// IngestConfig configures mailbox ingestion.
type IngestConfig struct {
	Limit        int    `yaml:"limit" mapstructure:"limit"`
	Concurrency  int    `yaml:"concurrency" mapstructure:"concurrency"`
	LookbackDays int    `yaml:"lookback_days" mapstructure:"lookback_days"`
	Schedule     string `yaml:"schedule" mapstructure:"schedule"` // cron expression, empty disables
}

// TriageConfig overrides the classifier keyword sets.
type TriageConfig struct {
	UrgentKeywords []string `yaml:"urgent_keywords" mapstructure:"urgent_keywords"`
	VIPDomains     []string `yaml:"vip_domains" mapstructure:"vip_domains"`
	SpamPhrases    []string `yaml:"spam_phrases" mapstructure:"spam_phrases"`
	RulesFile      string   `yaml:"rules_file" mapstructure:"rules_file"`
}

// SafetyConfig configures the outbound safety gate.
type SafetyConfig struct {
	Allowlist []string `yaml:"allowlist" mapstructure:"allowlist"`
}

// OutboundConfig configures the guarded outbox.
type OutboundConfig struct {
	RatePerMinute int    `yaml:"rate_per_minute" mapstructure:"rate_per_minute"`
	Burst         int    `yaml:"burst" mapstructure:"burst"`
	Mailbox       string `yaml:"mailbox" mapstructure:"mailbox"`
}

// IMAPConfig configures the mailbox connection.
type IMAPConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	StartTLS bool   `yaml:"starttls" mapstructure:"starttls"`
}

// Addr returns host:port.
func (c IMAPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// CredentialConfig configures the keyring-backed secret store.
type CredentialConfig struct {
	ServiceName  string `yaml:"service_name" mapstructure:"service_name"`
	Backend      string `yaml:"backend" mapstructure:"backend"` // "", "file", "keychain", "secret-service"
	FileDir      string `yaml:"file_dir" mapstructure:"file_dir"`
	FilePassword string `yaml:"file_password" mapstructure:"file_password"`
}

// SlackConfig configures reviewer notifications.
type SlackConfig struct {
	Token   string `yaml:"token" mapstructure:"token"`
	Channel string `yaml:"channel" mapstructure:"channel"`
}

// RetryConfig configures retries for external calls.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures circuit breakers for external calls.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// MonitoringConfig configures background health checks and alerting.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	BacklogThreshold     int     `yaml:"backlog_threshold" mapstructure:"backlog_threshold"`
}

// ServerConfig configures the API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from the environment and a YAML file. An empty
// path looks for an optional ./config.yaml; an explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("INBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "inbox.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("ingest.limit", 50)
	v.SetDefault("ingest.concurrency", 4)
	v.SetDefault("ingest.lookback_days", 7)
	v.SetDefault("ingest.schedule", "*/15 * * * *")
	v.SetDefault("outbound.rate_per_minute", 30)
	v.SetDefault("outbound.burst", 5)
	v.SetDefault("outbound.mailbox", "Drafts")
	v.SetDefault("imap.port", 993)
	v.SetDefault("credential.service_name", "inbox-cli")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.10)
	v.SetDefault("monitoring.backlog_threshold", 50)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the fields a given command mode depends on.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "ingest":
		if c.IMAP.Host == "" {
			errs = append(errs, "imap.host is required")
		}
		if c.IMAP.Port <= 0 {
			errs = append(errs, "imap.port must be > 0")
		}
	case "decide":
		if c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required")
		}
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "store":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Store.Driver != "sqlite" && c.Store.Driver != "postgres" {
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}
	if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}
	if c.Ingest.Concurrency < 1 || c.Ingest.Concurrency > 50 {
		errs = append(errs, "ingest.concurrency must be between 1 and 50")
	}
	if c.Monitoring.FailureRateThreshold < 0 || c.Monitoring.FailureRateThreshold > 1 {
		errs = append(errs, "monitoring.failure_rate_threshold must be between 0 and 1")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
