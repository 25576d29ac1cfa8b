package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	AccountsFile string `envconfig:"ACCOUNTS_FILE" required:"true"`
	DownloadRoot string `envconfig:"DOWNLOAD_ROOT" required:"true"`
	DBPath       string `envconfig:"DB_PATH" default:"transferd.db"`
	QueueSize    int    `envconfig:"QUEUE_SIZE" default:"128"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"INFO"`
	LogFile  string `envconfig:"LOG_FILE"`

	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	API struct {
		Username string `split_words:"true" required:"true"`
		Password string `split_words:"true" required:"true"`
	}

	Retry struct {
		InitialInterval time.Duration `split_words:"true" default:"15s"`
		MaxInterval     time.Duration `split_words:"true" default:"5m"`
		MaxTries        uint          `split_words:"true" default:"8"`
	}

	Cleanup struct {
		Interval   time.Duration `split_words:"true" default:"1h"`
		MaxPartAge time.Duration `split_words:"true" default:"24h"`
	}

	Telemetry struct {
		Enabled        bool   `split_words:"true" default:"true"`
		ServiceName    string `split_words:"true" default:"transferd"`
		ServiceVersion string `split_words:"true" default:"dev"`
		OTLPEndpoint   string `envconfig:"TELEMETRY_OTLP_ENDPOINT"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8080"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
