package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds server configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
	// LogFile enables a rotating log file next to console output.
	LogFile string `mapstructure:"log_file" yaml:"log_file"`

	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`
	SessionDir   string `mapstructure:"session_dir" yaml:"session_dir"`

	// Telegram application credentials from my.telegram.org.
	APIID   int    `mapstructure:"api_id" yaml:"api_id"`
	APIHash string `mapstructure:"api_hash" yaml:"api_hash"`

	JWTSecret   string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer   string        `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
	JWTAudience string        `mapstructure:"jwt_audience" yaml:"jwt_audience"`
	TokenTTL    time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"`

	LoginTimeout       time.Duration `mapstructure:"login_timeout" yaml:"login_timeout"`
	LoginRetryAttempts int           `mapstructure:"login_retry_attempts" yaml:"login_retry_attempts"`
	LoginRetryDelay    time.Duration `mapstructure:"login_retry_delay" yaml:"login_retry_delay"`
	// LoginRateLimit caps login challenges per user per minute; 0 disables it.
	LoginRateLimit int `mapstructure:"login_rate_limit" yaml:"login_rate_limit"`

	StopTimeout   time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout"`
	ResumeOnStart bool          `mapstructure:"resume_on_start" yaml:"resume_on_start"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:               ":8080",
		ReadHeaderTimeout:  5 * time.Second,
		ShutdownTimeout:    10 * time.Second,
		LogLevel:           "info",
		DatabasePath:       "tgrelay.db",
		SessionDir:         "sessions",
		JWTIssuer:          "tgrelay",
		JWTAudience:        "tgrelay-api",
		TokenTTL:           30 * 24 * time.Hour,
		LoginTimeout:       2 * time.Minute,
		LoginRetryAttempts: 3,
		LoginRetryDelay:    2 * time.Second,
		LoginRateLimit:     5,
		StopTimeout:        5 * time.Second,
		ResumeOnStart:      true,
	}
}

// checkLimits rejects values no deployment can run with. Validate adds the
// settings that are only needed to serve.
func (c Config) checkLimits() error {
	var errs []error
	positive := []struct {
		key string
		d   time.Duration
	}{
		{"read_header_timeout", c.ReadHeaderTimeout},
		{"shutdown_timeout", c.ShutdownTimeout},
		{"token_ttl", c.TokenTTL},
		{"login_timeout", c.LoginTimeout},
		{"stop_timeout", c.StopTimeout},
	}
	for _, p := range positive {
		if p.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", p.key, p.d))
		}
	}
	if c.LoginRetryAttempts < 1 {
		errs = append(errs, errors.New("login_retry_attempts must be at least 1"))
	}
	if c.LoginRetryDelay < 0 {
		errs = append(errs, fmt.Errorf("login_retry_delay must not be negative, got %s", c.LoginRetryDelay))
	}
	if c.LoginRateLimit < 0 {
		errs = append(errs, fmt.Errorf("login_rate_limit must not be negative, got %d", c.LoginRateLimit))
	}
	return errors.Join(errs...)
}

// UpdateFrom overwrites non-zero values from other config into receiver.
// ResumeOnStart is a plain bool and is left alone.
func (c *Config) UpdateFrom(other Config) {
	if other.Addr != "" {
		c.Addr = other.Addr
	}
	if other.ReadHeaderTimeout != 0 {
		c.ReadHeaderTimeout = other.ReadHeaderTimeout
	}
	if other.ShutdownTimeout != 0 {
		c.ShutdownTimeout = other.ShutdownTimeout
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.LogFile != "" {
		c.LogFile = other.LogFile
	}
	if other.DatabasePath != "" {
		c.DatabasePath = other.DatabasePath
	}
	if other.SessionDir != "" {
		c.SessionDir = other.SessionDir
	}
	if other.APIID != 0 {
		c.APIID = other.APIID
	}
	if other.APIHash != "" {
		c.APIHash = other.APIHash
	}
	if other.JWTSecret != "" {
		c.JWTSecret = other.JWTSecret
	}
	if other.JWTIssuer != "" {
		c.JWTIssuer = other.JWTIssuer
	}
	if other.JWTAudience != "" {
		c.JWTAudience = other.JWTAudience
	}
	if other.TokenTTL != 0 {
		c.TokenTTL = other.TokenTTL
	}
	if other.LoginTimeout != 0 {
		c.LoginTimeout = other.LoginTimeout
	}
	if other.LoginRetryAttempts != 0 {
		c.LoginRetryAttempts = other.LoginRetryAttempts
	}
	if other.LoginRetryDelay != 0 {
		c.LoginRetryDelay = other.LoginRetryDelay
	}
	if other.LoginRateLimit != 0 {
		c.LoginRateLimit = other.LoginRateLimit
	}
	if other.StopTimeout != 0 {
		c.StopTimeout = other.StopTimeout
	}
}

// Validate reports missing settings the server cannot start without.
func (c Config) Validate() error {
	var errs []error
	if c.APIID == 0 {
		errs = append(errs, errors.New("api_id is required"))
	}
	if c.APIHash == "" {
		errs = append(errs, errors.New("api_hash is required"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("jwt_secret is required"))
	}
	if err := c.checkLimits(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
