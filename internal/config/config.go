package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultMailHost is the provider every session connects to unless the
// deployment overrides MAIL_HOST.
const DefaultMailHost = "mail.veebimajutus.ee"

// Config holds the application configuration
type Config struct {
	// HTTP settings
	Port         int
	Environment  string
	BasePath     string
	CORSOrigin   string
	MaxBodyBytes int64

	// Logging
	LogLevel string
	LogFile  string

	// Mail provider
	Mail MailConfig

	// Sessions
	SessionIdleTimeout   time.Duration
	SessionSweepInterval time.Duration
	ConnectRatePerMinute int

	// Message listing
	FetchLimitDefault int
	FetchLimitMax     int
}

// MailConfig holds the IMAP/SMTP endpoint shared by every account
type MailConfig struct {
	Host               string
	IMAPPort           int
	SMTPPort           int
	InsecureSkipVerify bool
	ConnectTimeout     time.Duration
	AuthTimeout        time.Duration
	TrashFolder        string
}

// IMAPAddr returns host:port of the IMAP endpoint
func (m MailConfig) IMAPAddr() string {
	return fmt.Sprintf("%s:%d", m.Host, m.IMAPPort)
}

// SMTPAddr returns host:port of the SMTP submission endpoint
func (m MailConfig) SMTPAddr() string {
	return fmt.Sprintf("%s:%d", m.Host, m.SMTPPort)
}

// LoadConfig loads configuration from environment variables. A .env file in
// the working directory is read first when present; real environment
// variables win over it.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	idle, err := getEnvDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute)
	if err != nil {
		return nil, err
	}
	sweep, err := getEnvDuration("SESSION_SWEEP_INTERVAL", 30*time.Minute)
	if err != nil {
		return nil, err
	}
	connectTimeout, err := getEnvDuration("CONNECT_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	authTimeout, err := getEnvDuration("AUTH_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:         getEnvInt("PORT", 3001),
		Environment:  getEnv("ENVIRONMENT", "development"),
		BasePath:     normalizeBasePath(getEnv("BASE_PATH", "/api")),
		CORSOrigin:   getEnv("CORS_ORIGIN", "http://localhost:5173"),
		MaxBodyBytes: int64(getEnvInt("MAX_BODY_BYTES", 50<<20)),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		LogFile:      getEnv("LOG_FILE", ""),
		Mail: MailConfig{
			Host:               getEnv("MAIL_HOST", DefaultMailHost),
			IMAPPort:           getEnvInt("IMAP_PORT", 993),
			SMTPPort:           getEnvInt("SMTP_PORT", 465),
			InsecureSkipVerify: getEnvBool("MAIL_TLS_SKIP_VERIFY", false),
			ConnectTimeout:     connectTimeout,
			AuthTimeout:        authTimeout,
			TrashFolder:        getEnv("TRASH_FOLDER", "Trash"),
		},
		SessionIdleTimeout:   idle,
		SessionSweepInterval: sweep,
		ConnectRatePerMinute: getEnvInt("CONNECT_RATE_PER_MINUTE", 10),
		FetchLimitDefault:    getEnvInt("FETCH_LIMIT_DEFAULT", 50),
		FetchLimitMax:        getEnvInt("FETCH_LIMIT_MAX", 500),
	}

	return cfg, nil
}

// IsProduction reports whether error details should be hidden from clients
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT")
	}
	if c.Mail.Host == "" {
		return fmt.Errorf("MAIL_HOST is required")
	}
	if c.Mail.IMAPPort < 1 || c.Mail.IMAPPort > 65535 {
		return fmt.Errorf("invalid IMAP_PORT")
	}
	if c.Mail.SMTPPort < 1 || c.Mail.SMTPPort > 65535 {
		return fmt.Errorf("invalid SMTP_PORT")
	}
	if c.Mail.ConnectTimeout <= 0 || c.Mail.AuthTimeout <= 0 {
		return fmt.Errorf("CONNECT_TIMEOUT and AUTH_TIMEOUT must be positive")
	}
	if c.Mail.TrashFolder == "" {
		return fmt.Errorf("TRASH_FOLDER is required")
	}
	if c.SessionIdleTimeout <= 0 || c.SessionSweepInterval <= 0 {
		return fmt.Errorf("SESSION_IDLE_TIMEOUT and SESSION_SWEEP_INTERVAL must be positive")
	}
	if c.FetchLimitDefault < 1 || c.FetchLimitMax < c.FetchLimitDefault {
		return fmt.Errorf("FETCH_LIMIT_DEFAULT must be between 1 and FETCH_LIMIT_MAX")
	}
	if c.MaxBodyBytes < 1 {
		return fmt.Errorf("MAX_BODY_BYTES must be positive")
	}
	if c.ConnectRatePerMinute < 0 {
		return fmt.Errorf("CONNECT_RATE_PER_MINUTE must not be negative")
	}
	return nil
}

func normalizeBasePath(p string) string {
	p = strings.TrimRight(strings.TrimSpace(p), "/")
	if p == "" {
		return ""
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as an integer or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvDuration parses a Go duration string. Unlike the other helpers a
// malformed value is an error, since a typo here silently changes session
// lifetimes.
func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
