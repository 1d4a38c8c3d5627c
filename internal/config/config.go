// Package config loads runtime settings for the relay from the environment,
// fills in defaults for anything unset or out of range, and validates the
// result.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Presence modes accepted in PRESENCE_MODE.
const (
	PresenceLeave  = "leave"
	PresenceRetain = "retain"
)

const (
	defaultPort            = ":8080"
	defaultTCPPort         = ":9090"
	defaultMaxMessageSize  = 4096
	defaultBurst           = 5
	defaultRefillInterval  = time.Second
	defaultSendBufferSize  = 256
	defaultMailboxCapacity = 100
	defaultMaxTextLength   = 300
	defaultShutdownTimeout = 10 * time.Second
	defaultNamespace       = "pester"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `validate:"gt=0"`
	RefillInterval time.Duration `validate:"gt=0"`
}

// LoggerConfig controls the zap logger built by the logger package.
type LoggerConfig struct {
	Level      string `validate:"oneof=debug info warn error dpanic panic fatal"`
	Format     string `validate:"oneof=json console"`
	Output     string `validate:"oneof=stdout file"`
	FilePath   string `validate:"required_if=Output file"`
	MaxSize    int    // megabytes
	MaxBackups int
	MaxAge     int // days
	Compress   bool
	Color      bool
	Stacktrace bool
	TimeZone   string
	TimeFormat string
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port             string `validate:"required"`
	TCPEnabled       bool
	TCPPort          string `validate:"required_if=TCPEnabled true"`
	AllowedOrigins   []string
	MaxMessageSize   int64 `validate:"gt=0"`
	RateLimit        RateLimitConfig
	SendBufferSize   int           `validate:"gt=0"`
	MailboxCapacity  int           `validate:"gt=0"`
	MaxTextLength    int           `validate:"gt=0"`
	PresenceMode     string        `validate:"oneof=leave retain"`
	ShutdownTimeout  time.Duration `validate:"gt=0"`
	MetricsNamespace string
	Logger           LoggerConfig
}

// environment mirrors the variables read by Load.
type environment struct {
	Port            string        `env:"SERVER_PORT,default=:8080"`
	TCPEnabled      bool          `env:"TCP_ENABLED,default=true"`
	TCPPort         string        `env:"TCP_PORT,default=:9090"`
	AllowedOrigins  string        `env:"ALLOWED_ORIGINS"`
	MaxMessageSize  int64         `env:"MAX_MESSAGE_SIZE,default=4096"`
	Burst           int           `env:"RATE_LIMIT_BURST,default=5"`
	RefillSeconds   int           `env:"RATE_LIMIT_REFILL_INTERVAL,default=1"`
	SendBufferSize  int           `env:"SEND_BUFFER_SIZE,default=256"`
	MailboxCapacity int           `env:"MAILBOX_CAPACITY,default=100"`
	MaxTextLength   int           `env:"MAX_TEXT_LENGTH,default=300"`
	PresenceMode    string        `env:"PRESENCE_MODE,default=retain"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
	Namespace       string        `env:"METRICS_NAMESPACE,default=pester"`

	LogLevel      string `env:"LOG_LEVEL,default=info"`
	LogFormat     string `env:"LOG_FORMAT,default=json"`
	LogOutput     string `env:"LOG_OUTPUT,default=stdout"`
	LogFilePath   string `env:"LOG_FILE_PATH"`
	LogMaxSize    int    `env:"LOG_MAX_SIZE,default=100"`
	LogMaxBackups int    `env:"LOG_MAX_BACKUPS,default=3"`
	LogMaxAge     int    `env:"LOG_MAX_AGE,default=7"`
	LogCompress   bool   `env:"LOG_COMPRESS"`
	LogColor      bool   `env:"LOG_COLOR"`
	LogStacktrace bool   `env:"LOG_STACKTRACE"`
	LogTimeZone   string `env:"LOG_TIMEZONE"`
	LogTimeFormat string `env:"LOG_TIME_FORMAT"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Default returns a Config populated with default values for all settings.
func Default() Config {
	return Config{
		Port:       defaultPort,
		TCPEnabled: true,
		TCPPort:    defaultTCPPort,
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: defaultMaxMessageSize,
		RateLimit: RateLimitConfig{
			Burst:          defaultBurst,
			RefillInterval: defaultRefillInterval,
		},
		SendBufferSize:   defaultSendBufferSize,
		MailboxCapacity:  defaultMailboxCapacity,
		MaxTextLength:    defaultMaxTextLength,
		PresenceMode:     PresenceRetain,
		ShutdownTimeout:  defaultShutdownTimeout,
		MetricsNamespace: defaultNamespace,
		Logger: LoggerConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnviron()
}

// FromEnviron builds a Config from the process environment only.
func FromEnviron() (*Config, error) {
	var e environment
	if _, err := env.UnmarshalFromEnviron(&e); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	cfg := Sanitize(e.config())
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (e environment) config() Config {
	cfg := Config{
		Port:           e.Port,
		TCPEnabled:     e.TCPEnabled,
		TCPPort:        e.TCPPort,
		MaxMessageSize: e.MaxMessageSize,
		RateLimit: RateLimitConfig{
			Burst:          e.Burst,
			RefillInterval: time.Duration(e.RefillSeconds) * time.Second,
		},
		SendBufferSize:   e.SendBufferSize,
		MailboxCapacity:  e.MailboxCapacity,
		MaxTextLength:    e.MaxTextLength,
		PresenceMode:     strings.ToLower(strings.TrimSpace(e.PresenceMode)),
		ShutdownTimeout:  e.ShutdownTimeout,
		MetricsNamespace: e.Namespace,
		Logger: LoggerConfig{
			Level:      strings.ToLower(e.LogLevel),
			Format:     strings.ToLower(e.LogFormat),
			Output:     strings.ToLower(e.LogOutput),
			FilePath:   e.LogFilePath,
			MaxSize:    e.LogMaxSize,
			MaxBackups: e.LogMaxBackups,
			MaxAge:     e.LogMaxAge,
			Compress:   e.LogCompress,
			Color:      e.LogColor,
			Stacktrace: e.LogStacktrace,
			TimeZone:   e.LogTimeZone,
			TimeFormat: e.LogTimeFormat,
		},
	}
	if e.AllowedOrigins != "" {
		cfg.AllowedOrigins = ParseOrigins(e.AllowedOrigins)
	}
	return cfg
}

// Sanitize replaces empty or non-positive settings with their defaults.
func Sanitize(cfg Config) Config {
	def := Default()

	if cfg.Port == "" {
		cfg.Port = def.Port
	}
	if cfg.TCPPort == "" {
		cfg.TCPPort = def.TCPPort
	}
	if cfg.AllowedOrigins == nil {
		cfg.AllowedOrigins = def.AllowedOrigins
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = def.SendBufferSize
	}
	if cfg.MailboxCapacity <= 0 {
		cfg.MailboxCapacity = def.MailboxCapacity
	}
	if cfg.MaxTextLength <= 0 {
		cfg.MaxTextLength = def.MaxTextLength
	}
	if cfg.PresenceMode == "" {
		cfg.PresenceMode = def.PresenceMode
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.MetricsNamespace == "" {
		cfg.MetricsNamespace = def.MetricsNamespace
	}
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = def.Logger.Level
	}
	if cfg.Logger.Format == "" {
		cfg.Logger.Format = def.Logger.Format
	}
	if cfg.Logger.Output == "" {
		cfg.Logger.Output = def.Logger.Output
	}
	return cfg
}

// Validate reports the first setting that is out of its allowed range.
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("invalid config %s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ParseOrigins splits a comma separated origin list and trims each entry.
// Empty entries are dropped.
func ParseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
