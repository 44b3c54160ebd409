// Package config has the configuration of the exporter
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment is the deployment environment the exporter runs in
type Environment string

const (
	EnvDevelopment Environment = "dev"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test"
)

// String returns the short name of the environment
func (e Environment) String() string {
	return string(e)
}

// ParseEnvironment accepts the short and long names of an environment
func ParseEnvironment(s string) (Environment, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dev", "development":
		return EnvDevelopment, nil
	case "staging":
		return EnvStaging, nil
	case "prod", "production":
		return EnvProduction, nil
	case "test":
		return EnvTest, nil
	}
	return EnvDevelopment, fmt.Errorf("ENV must be one of: [dev staging prod test], got: %s", s)
}

// Config holds all application configuration
type Config struct {
	Port              string
	Address           string
	Env               Environment
	LogLevel          string
	LogDir            string
	LogRetentionWeeks int   // Number of weeks to keep log files
	MaxLogFileSize    int64 // Maximum log file size in bytes
	MaxRequestBody    int64 // Maximum request body size in bytes
	MaxHeaderSize     int64 // Maximum header size in bytes

	ZulipURL            string
	ZulipEmail          string
	ZulipAPIKey         string
	InsecureSkipVerify  bool
	CollectPresence     bool
	PresenceConcurrency int
	RequestTimeout      time.Duration // per remote call
	ScrapeTimeout       time.Duration // whole fetch cycle
	RateLimit           float64       // outbound requests per second
	RateBurst           int64
	HealthCheckInterval time.Duration

	// Inbound per-client token bucket
	ClientRateLimit  float64 // tokens refilled per second
	ClientRateBurst  int64
	MetricsTokenCost int64 // tokens taken by one /metrics request, 0 exempts it
}

// Load loads and validates configuration from environment variables
func Load() (*Config, error) {
	env, err := ParseEnvironment(getEnvWithDefault("ENV", "dev"))
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: invalid ENV: %w", err)
	}

	cfg := &Config{
		Port:              getEnvWithDefault("PORT", "9304"),
		Address:           getEnvWithDefault("ADDRESS", "0.0.0.0"),
		Env:               env,
		LogLevel:          getEnvWithDefault("LOG_LEVEL", "info"),
		LogDir:            getEnvWithDefault("LOG_DIR", "logs"),
		LogRetentionWeeks: getIntEnvWithDefault("LOG_RETENTION_WEEKS", 4),         // 4 weeks default
		MaxLogFileSize:    getInt64EnvWithDefault("MAX_LOG_FILE_SIZE", 104857600), // 100MB default
		MaxRequestBody:    getInt64EnvWithDefault("MAX_REQUEST_BODY", 1048576),    // 1MB default
		MaxHeaderSize:     getInt64EnvWithDefault("MAX_HEADER_SIZE", 1048576),     // 1MB default

		ZulipURL:            strings.TrimRight(os.Getenv("ZULIP_URL"), "/"),
		ZulipEmail:          os.Getenv("ZULIP_USER_EMAIL"),
		ZulipAPIKey:         os.Getenv("ZULIP_API_KEY"),
		InsecureSkipVerify:  getBoolEnvWithDefault("IGNORE_SELF_SIGNED_SSL", false),
		CollectPresence:     getBoolEnvWithDefault("COLLECT_USER_PRESENCE", false),
		PresenceConcurrency: getIntEnvWithDefault("PRESENCE_CONCURRENCY", 4),
		RequestTimeout:      getDurationEnvWithDefault("ZULIP_REQUEST_TIMEOUT", 10*time.Second),
		ScrapeTimeout:       getDurationEnvWithDefault("SCRAPE_TIMEOUT", 60*time.Second),
		RateLimit:           getFloatEnvWithDefault("ZULIP_RATE_LIMIT", 20),
		RateBurst:           getInt64EnvWithDefault("ZULIP_RATE_BURST", 40),
		HealthCheckInterval: getDurationEnvWithDefault("HEALTH_CHECK_INTERVAL", 5*time.Minute),

		ClientRateLimit:  getFloatEnvWithDefault("CLIENT_RATE_LIMIT", 1),
		ClientRateBurst:  getInt64EnvWithDefault("CLIENT_RATE_BURST", 60),
		MetricsTokenCost: getInt64EnvWithDefault("METRICS_TOKEN_COST", 5),
	}

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// validateConfig validates all configuration values
func validateConfig(cfg *Config) error {
	if err := validatePort(cfg.Port); err != nil {
		return fmt.Errorf("invalid PORT: %w", err)
	}

	if err := validateAddress(cfg.Address); err != nil {
		return fmt.Errorf("invalid ADDRESS: %w", err)
	}

	if err := validateLogLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	if err := validateSizeLimit(cfg.MaxRequestBody, "MAX_REQUEST_BODY"); err != nil {
		return fmt.Errorf("invalid MAX_REQUEST_BODY: %w", err)
	}

	if err := validateSizeLimit(cfg.MaxHeaderSize, "MAX_HEADER_SIZE"); err != nil {
		return fmt.Errorf("invalid MAX_HEADER_SIZE: %w", err)
	}

	if err := validateLogRetentionWeeks(cfg.LogRetentionWeeks); err != nil {
		return fmt.Errorf("invalid LOG_RETENTION_WEEKS: %w", err)
	}

	if err := validateMaxLogFileSize(cfg.MaxLogFileSize); err != nil {
		return fmt.Errorf("invalid MAX_LOG_FILE_SIZE: %w", err)
	}

	if err := validateZulipURL(cfg.ZulipURL); err != nil {
		return fmt.Errorf("invalid ZULIP_URL: %w", err)
	}

	if cfg.ZulipEmail == "" {
		return fmt.Errorf("invalid ZULIP_USER_EMAIL: cannot be empty")
	}

	if cfg.ZulipAPIKey == "" {
		return fmt.Errorf("invalid ZULIP_API_KEY: cannot be empty")
	}

	if cfg.PresenceConcurrency < 1 || cfg.PresenceConcurrency > 64 {
		return fmt.Errorf("invalid PRESENCE_CONCURRENCY: must be between 1 and 64, got: %d", cfg.PresenceConcurrency)
	}

	if cfg.RequestTimeout <= 0 {
		return fmt.Errorf("invalid ZULIP_REQUEST_TIMEOUT: must be positive, got: %s", cfg.RequestTimeout)
	}

	if cfg.ScrapeTimeout < cfg.RequestTimeout {
		return fmt.Errorf("invalid SCRAPE_TIMEOUT: must be at least ZULIP_REQUEST_TIMEOUT (%s), got: %s", cfg.RequestTimeout, cfg.ScrapeTimeout)
	}

	if cfg.RateLimit <= 0 || cfg.RateBurst <= 0 {
		return fmt.Errorf("invalid ZULIP_RATE_LIMIT/ZULIP_RATE_BURST: must be positive, got: %g/%d", cfg.RateLimit, cfg.RateBurst)
	}

	if cfg.HealthCheckInterval < 10*time.Second {
		return fmt.Errorf("invalid HEALTH_CHECK_INTERVAL: must be at least 10s, got: %s", cfg.HealthCheckInterval)
	}

	if cfg.ClientRateLimit <= 0 || cfg.ClientRateBurst <= 0 {
		return fmt.Errorf("invalid CLIENT_RATE_LIMIT/CLIENT_RATE_BURST: must be positive, got: %g/%d", cfg.ClientRateLimit, cfg.ClientRateBurst)
	}

	// A cost above the burst could never be paid
	if cfg.MetricsTokenCost < 0 || cfg.MetricsTokenCost > cfg.ClientRateBurst {
		return fmt.Errorf("invalid METRICS_TOKEN_COST: must be between 0 and CLIENT_RATE_BURST (%d), got: %d", cfg.ClientRateBurst, cfg.MetricsTokenCost)
	}

	return nil
}

// validatePort validates the PORT environment variable
func validatePort(port string) error {
	if port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}

	portNum, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("PORT must be a valid number: %w", err)
	}

	if portNum < 1 || portNum > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535")
	}

	// Check for privileged ports
	if portNum < 1024 {
		return fmt.Errorf("PORT %d is privileged (less than 1024), use ports 1024-65535", portNum)
	}

	return nil
}

// validateAddress validates the ADDRESS environment variable
func validateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("ADDRESS cannot be empty")
	}

	if address == "localhost" {
		return nil
	}

	ip := net.ParseIP(address)
	if ip == nil {
		return fmt.Errorf("ADDRESS must be a valid IP address or 'localhost', got: %s", address)
	}

	// Prometheus scrapes the exporter directly, so binding every interface is fine
	if ip.IsUnspecified() || ip.IsLoopback() || ip.IsPrivate() {
		return nil
	}

	return fmt.Errorf("ADDRESS %s is a public IP, consider using private network ranges for security", address)
}

// validateLogLevel validates the LOG_LEVEL environment variable
func validateLogLevel(logLevel string) error {
	if logLevel == "" {
		return fmt.Errorf("LOG_LEVEL cannot be empty")
	}

	validLevels := []string{"debug", "info", "warn", "warning", "error"}
	logLevel = strings.ToLower(logLevel)

	for _, level := range validLevels {
		if logLevel == level {
			return nil
		}
	}

	return fmt.Errorf("LOG_LEVEL must be one of: %v, got: %s", validLevels, logLevel)
}

// validateSizeLimit validates size limit configuration values
func validateSizeLimit(size int64, configName string) error {
	if size <= 0 {
		return fmt.Errorf("%s must be positive, got: %d", configName, size)
	}

	if size > 100*1024*1024 { // 100MB
		return fmt.Errorf("%s is too large (max 100MB), got: %d bytes", configName, size)
	}

	return nil
}

// validateLogRetentionWeeks validates the LOG_RETENTION_WEEKS environment variable
func validateLogRetentionWeeks(weeks int) error {
	if weeks <= 0 {
		return fmt.Errorf("LOG_RETENTION_WEEKS must be positive, got: %d", weeks)
	}

	if weeks > 52 { // 1 year maximum
		return fmt.Errorf("LOG_RETENTION_WEEKS is too large (max 52 weeks), got: %d", weeks)
	}

	return nil
}

// validateMaxLogFileSize validates the MAX_LOG_FILE_SIZE environment variable
func validateMaxLogFileSize(size int64) error {
	if size <= 0 {
		return fmt.Errorf("MAX_LOG_FILE_SIZE must be positive, got: %d", size)
	}

	// Minimum 1MB, maximum 1GB
	if size < 1024*1024 {
		return fmt.Errorf("MAX_LOG_FILE_SIZE is too small (min 1MB), got: %d bytes", size)
	}

	if size > 1024*1024*1024 {
		return fmt.Errorf("MAX_LOG_FILE_SIZE is too large (max 1GB), got: %d bytes", size)
	}

	return nil
}

// validateZulipURL checks the realm base URL
func validateZulipURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("ZULIP_URL cannot be empty")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("ZULIP_URL must be a valid URL: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("ZULIP_URL must use http or https, got: %q", u.Scheme)
	}

	if u.Host == "" {
		return fmt.Errorf("ZULIP_URL must contain a host, got: %s", raw)
	}

	return nil
}

// getEnvWithDefault gets an environment variable with a default value
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getIntEnvWithDefault gets an environment variable as int with a default value
func getIntEnvWithDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getInt64EnvWithDefault gets an environment variable as int64 with a default value
func getInt64EnvWithDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatEnvWithDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getBoolEnvWithDefault accepts anything strconv.ParseBool does
func getBoolEnvWithDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getDurationEnvWithDefault accepts Go durations ("30s") or plain seconds ("30")
func getDurationEnvWithDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

// GetEnvVars returns a list of all expected environment variables
func GetEnvVars() []string {
	return []string{
		"PORT",
		"ADDRESS",
		"ENV",
		"LOG_LEVEL",
		"LOG_DIR",
		"LOG_RETENTION_WEEKS",
		"MAX_LOG_FILE_SIZE",
		"MAX_REQUEST_BODY",
		"MAX_HEADER_SIZE",
		"ZULIP_URL",
		"ZULIP_USER_EMAIL",
		"ZULIP_API_KEY",
		"IGNORE_SELF_SIGNED_SSL",
		"COLLECT_USER_PRESENCE",
		"PRESENCE_CONCURRENCY",
		"ZULIP_REQUEST_TIMEOUT",
		"SCRAPE_TIMEOUT",
		"ZULIP_RATE_LIMIT",
		"ZULIP_RATE_BURST",
		"HEALTH_CHECK_INTERVAL",
		"CLIENT_RATE_LIMIT",
		"CLIENT_RATE_BURST",
		"METRICS_TOKEN_COST",
	}
}

// ValidateAllEnvVars checks if all required environment variables are set
func ValidateAllEnvVars() error {
	requiredVars := []string{"ZULIP_URL", "ZULIP_USER_EMAIL", "ZULIP_API_KEY"}
	missingVars := []string{}

	for _, varName := range requiredVars {
		if os.Getenv(varName) == "" {
			missingVars = append(missingVars, varName)
		}
	}

	if len(missingVars) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missingVars)
	}

	return nil
}
