package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	DeliveryToken  = "token"
	DeliveryInline = "inline"
)

// Config struct for environment variables.
type Config struct {
	WorkDir      string `envconfig:"WORK_DIR" default:"uploads"`
	SentinelName string `envconfig:"SENTINEL_NAME" default:".gitkeep"`
	DeliveryMode string `envconfig:"DELIVERY_MODE" default:"token"`

	MaxUploadSize int64 `envconfig:"MAX_UPLOAD_SIZE" default:"10485760"`
	MaxFiles      int   `envconfig:"MAX_FILES" default:"10"`

	ArtifactTTL           time.Duration `envconfig:"ARTIFACT_TTL" default:"10m"`
	ArtifactSweepInterval time.Duration `envconfig:"ARTIFACT_SWEEP_INTERVAL" default:"5m"`
	TokenTTL              time.Duration `envconfig:"TOKEN_TTL" default:"2m"`
	TokenSweepInterval    time.Duration `envconfig:"TOKEN_SWEEP_INTERVAL" default:"1m"`
	ReaperInterval        time.Duration `envconfig:"REAPER_INTERVAL" default:"10m"`
	ReaperMaxAge          time.Duration `envconfig:"REAPER_MAX_AGE" default:"15m"`

	TransformTimeout time.Duration `envconfig:"TRANSFORM_TIMEOUT" default:"60s"`
	MaxParallel      int           `envconfig:"MAX_PARALLEL" default:"4"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	RateLimit struct {
		Requests int           `split_words:"true" default:"100"`
		Window   time.Duration `split_words:"true" default:"15m"`
	} `split_words:"true"`

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"image_toolkit"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:5000"`
		APIPrefix       string        `split_words:"true" default:"/api"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"90s"`
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

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the relations between settings that envconfig cannot express.
func (c *Config) Validate() error {
	var errs []error

	switch c.DeliveryMode {
	case DeliveryToken, DeliveryInline:
	default:
		errs = append(errs, fmt.Errorf("invalid delivery mode %q", c.DeliveryMode))
	}

	// The reaper must never race the artifact store's own expiry.
	if c.ReaperMaxAge <= c.ArtifactTTL {
		errs = append(errs, fmt.Errorf("reaper max age (%s) must exceed artifact ttl (%s)", c.ReaperMaxAge, c.ArtifactTTL))
	}

	if c.MaxParallel < 1 {
		errs = append(errs, errors.New("max parallel must be at least 1"))
	}

	if c.MaxFiles < 1 {
		errs = append(errs, errors.New("max files must be at least 1"))
	}

	if c.MaxUploadSize <= 0 {
		errs = append(errs, errors.New("max upload size must be positive"))
	}

	for name, d := range map[string]time.Duration{
		"artifact ttl":            c.ArtifactTTL,
		"artifact sweep interval": c.ArtifactSweepInterval,
		"token ttl":               c.TokenTTL,
		"token sweep interval":    c.TokenSweepInterval,
		"reaper interval":         c.ReaperInterval,
		"transform timeout":       c.TransformTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	return errors.Join(errs...)
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
