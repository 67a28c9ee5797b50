package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	API      APIConfig      `yaml:"api" mapstructure:"api"`
	Pipeline PipelineConfig `yaml:"pipeline" mapstructure:"pipeline"`
	Paths    PathsConfig    `yaml:"paths" mapstructure:"paths"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the state store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "sqlite" or "postgres"
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// APIConfig configures the browser-automation flow API.
type APIConfig struct {
	BaseURL            string  `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs        int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries         int     `yaml:"max_retries" mapstructure:"max_retries"`
	MonitorPollSecs    int     `yaml:"monitor_poll_secs" mapstructure:"monitor_poll_secs"`
	MonitorTimeoutSecs int     `yaml:"monitor_timeout_secs" mapstructure:"monitor_timeout_secs"`
	MaxConcurrentPOs   int     `yaml:"max_concurrent_pos" mapstructure:"max_concurrent_pos"`
	RateLimitPerSec    float64 `yaml:"rate_limit_per_sec" mapstructure:"rate_limit_per_sec"`
}

// Timeout returns the per-call timeout as a duration.
func (c APIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// MonitorPoll returns the invoiceMonitor poll interval.
func (c APIConfig) MonitorPoll() time.Duration {
	return time.Duration(c.MonitorPollSecs) * time.Second
}

// MonitorTimeout returns the invoiceMonitor deadline.
func (c APIConfig) MonitorTimeout() time.Duration {
	return time.Duration(c.MonitorTimeoutSecs) * time.Second
}

// PipelineConfig configures step retry budgets and completion thresholds.
type PipelineConfig struct {
	MonitoringMaxRetries int     `yaml:"monitoring_max_retries" mapstructure:"monitoring_max_retries"`
	ExtractionMaxRetries int     `yaml:"extraction_max_retries" mapstructure:"extraction_max_retries"`
	GenerationMaxRetries int     `yaml:"generation_max_retries" mapstructure:"generation_max_retries"`
	CompletionMaxRetries int     `yaml:"completion_max_retries" mapstructure:"completion_max_retries"`
	PartialThreshold     float64 `yaml:"partial_threshold" mapstructure:"partial_threshold"`
	AttachmentPattern    string  `yaml:"attachment_pattern" mapstructure:"attachment_pattern"`
}

// PathsConfig locates the working directories and registries.
type PathsConfig struct {
	InboxDir       string `yaml:"inbox_dir" mapstructure:"inbox_dir"`
	OutputDir      string `yaml:"output_dir" mapstructure:"output_dir"`
	ClientDataPath string `yaml:"client_data_path" mapstructure:"client_data_path"`
}

// ServerConfig configures the operational HTTP surface.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CTEPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "cte-pipeline.db")
	v.SetDefault("api.base_url", "http://localhost:8400")
	v.SetDefault("api.timeout_secs", 120)
	v.SetDefault("api.max_retries", 3)
	v.SetDefault("api.monitor_poll_secs", 15)
	v.SetDefault("api.monitor_timeout_secs", 600)
	v.SetDefault("api.max_concurrent_pos", 3)
	v.SetDefault("api.rate_limit_per_sec", 2)
	v.SetDefault("pipeline.monitoring_max_retries", 3)
	v.SetDefault("pipeline.extraction_max_retries", 3)
	v.SetDefault("pipeline.generation_max_retries", 3)
	v.SetDefault("pipeline.completion_max_retries", 2)
	v.SetDefault("pipeline.partial_threshold", 50.0)
	v.SetDefault("pipeline.attachment_pattern", `(?i)(cte|medicao).*\.xlsx$`)
	v.SetDefault("paths.inbox_dir", "inbox")
	v.SetDefault("paths.output_dir", "generated")
	v.SetDefault("paths.client_data_path", "clients.yaml")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
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
