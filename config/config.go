// Package config loads server and device settings from the environment,
// reading a .env file first when one is present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AntiCheatDefaults is the policy applied to cities that have no stored config.
type AntiCheatDefaults struct {
	MaxAccuracyM         float64
	MaxSpeedMps          float64
	MaxAttemptsPerMinute int
}

// R2Config holds the Cloudflare R2 bucket used for the attempt archive.
type R2Config struct {
	AccountID       string
	AccessKeyID     string
	AccessKeySecret string
	Bucket          string
}

// Enabled reports whether enough is set to talk to R2.
func (c R2Config) Enabled() bool {
	return c.AccountID != "" && c.AccessKeyID != "" && c.AccessKeySecret != "" && c.Bucket != ""
}

// ServerConfig is everything the completion server needs at boot.
type ServerConfig struct {
	Port                 string
	DatabaseURL          string
	AuthServiceURL       string
	AuthServiceToken     string
	ServiceToken         string
	AllowedOrigins       []string
	RedisURL             string
	R2                   R2Config
	AttemptRetentionDays int
	AntiCheat            AntiCheatDefaults
	LogLevel             string
}

// ClientConfig configures the on-device sync agent.
type ClientConfig struct {
	APIBaseURL      string
	AccessToken     string
	LocalDBPath     string
	FlushInterval   time.Duration
	RequestTimeout  time.Duration
	BackoffCap      time.Duration
	FlushBatchLimit int
	LogLevel        string
}

// LoadEnv reads .env into the process environment. A missing file is not an error.
func LoadEnv() bool {
	return godotenv.Load() == nil
}

// LoadServer builds a ServerConfig from the environment.
func LoadServer() (*ServerConfig, error) {
	cfg := &ServerConfig{
		Port:             getEnv("PORT", "5200"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		AuthServiceURL:   os.Getenv("AUTH_SERVICE_URL"),
		AuthServiceToken: os.Getenv("AUTH_SERVICE_TOKEN"),
		ServiceToken:     os.Getenv("SERVICE_TOKEN"),
		AllowedOrigins:   splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000")),
		RedisURL:         os.Getenv("REDIS_URL"),
		R2: R2Config{
			AccountID:       os.Getenv("CLOUDFLARE_ACCOUNT_ID"),
			AccessKeyID:     os.Getenv("R2_ACCESS_KEY_ID"),
			AccessKeySecret: os.Getenv("R2_ACCESS_KEY_SECRET"),
			Bucket:          os.Getenv("R2_BUCKET_NAME"),
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.AttemptRetentionDays, err = getInt("ATTEMPT_RETENTION_DAYS", 7); err != nil {
		return nil, err
	}
	if cfg.AntiCheat.MaxAccuracyM, err = getFloat("DEFAULT_MAX_ACCURACY_M", 50); err != nil {
		return nil, err
	}
	if cfg.AntiCheat.MaxSpeedMps, err = getFloat("DEFAULT_MAX_SPEED_MPS", 45); err != nil {
		return nil, err
	}
	if cfg.AntiCheat.MaxAttemptsPerMinute, err = getInt("DEFAULT_MAX_ATTEMPTS_PER_MINUTE", 6); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required server settings.
func (c *ServerConfig) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL environment variable not set")
	}
	if c.AuthServiceURL == "" {
		return fmt.Errorf("AUTH_SERVICE_URL environment variable not set")
	}
	if c.ServiceToken == "" {
		return fmt.Errorf("SERVICE_TOKEN environment variable not set")
	}
	if c.AttemptRetentionDays < 1 {
		return fmt.Errorf("ATTEMPT_RETENTION_DAYS must be at least 1, got %d", c.AttemptRetentionDays)
	}
	if c.AntiCheat.MaxAttemptsPerMinute < 1 {
		return fmt.Errorf("DEFAULT_MAX_ATTEMPTS_PER_MINUTE must be at least 1, got %d", c.AntiCheat.MaxAttemptsPerMinute)
	}
	return nil
}

// LoadClient builds a ClientConfig from the environment.
func LoadClient() (*ClientConfig, error) {
	cfg := &ClientConfig{
		APIBaseURL:  strings.TrimRight(os.Getenv("API_BASE_URL"), "/"),
		AccessToken: os.Getenv("ACCESS_TOKEN"),
		LocalDBPath: getEnv("LOCAL_DB_PATH", "passport_quest.db"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.FlushInterval, err = getDuration("FLUSH_INTERVAL", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.RequestTimeout, err = getDuration("REQUEST_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.BackoffCap, err = getDuration("BACKOFF_CAP", 300*time.Second); err != nil {
		return nil, err
	}
	if cfg.FlushBatchLimit, err = getInt("FLUSH_BATCH_LIMIT", 20); err != nil {
		return nil, err
	}

	if cfg.APIBaseURL == "" {
		return nil, fmt.Errorf("API_BASE_URL environment variable not set")
	}
	if cfg.FlushBatchLimit < 1 {
		return nil, fmt.Errorf("FLUSH_BATCH_LIMIT must be at least 1, got %d", cfg.FlushBatchLimit)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return f, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}

// splitList splits a comma-separated env value and trims each entry.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
