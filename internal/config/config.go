// Package config loads and validates application configuration from environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// APIKey describes one configured bearer token.
type APIKey struct {
	Name        string `json:"name"`
	Active      bool   `json:"active"`
	Description string `json:"description,omitempty"`
}

// SecurityConfig holds authentication and rate-limit settings.
type SecurityConfig struct {
	RateLimitRPS   float64
	RateLimitBurst int
	AdminToken     string
	APIKeys        map[string]APIKey // bearer token -> key metadata
}

// PartialRule selects a partial masking strategy for matching keys.
// Exactly one of the fields is normally set; evaluation order when several
// are set is MaskEmail, KeepPrefix, KeepSuffix.
type PartialRule struct {
	KeepPrefix int  `json:"keep_prefix,omitempty"`
	KeepSuffix int  `json:"keep_suffix,omitempty"`
	MaskEmail  bool `json:"mask_email,omitempty"`
}

// MaskingConfig holds the masking rule sets.
type MaskingConfig struct {
	BaselineKeys    []string
	PartialRules    map[string]PartialRule
	TenantOverrides map[string][]string // bearer token -> extra keys
}

// WALConfig holds write-ahead log storage and rotation settings.
type WALConfig struct {
	RootPath           string
	SegmentMaxBytes    int64
	RotationTimeActive time.Duration
	RotationTimeIdle   time.Duration
	IdleThreshold      time.Duration
	MinRotationBytes   int64
	ForceRotation      time.Duration
	QuotaBytes         int64
	QuotaAge           time.Duration
	DiskFreeMinRatio   float64
}

// LokiConfig holds downstream push settings.
type LokiConfig struct {
	BaseURL            string
	PushEndpoint       string
	Timeout            time.Duration
	MaxRetries         int
	BackoffSeconds     []int
	BackoffParkSeconds int
	BatchMaxEntries    int
	BatchMaxBytes      int64
}

// PushURL returns the full downstream push URL.
func (l LokiConfig) PushURL() string {
	return strings.TrimRight(l.BaseURL, "/") + l.PushEndpoint
}

// ValidationConfig holds request validation limits.
type ValidationConfig struct {
	EntryBytesMax       int
	BatchEntriesMax     int
	BatchBytesMax       int
	AllowedLabels       []string
	MaxLabels           int
	MaxLabelValueLength int
	MaxMetadataDepth    int
}

// Config holds all application configuration.
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	LogLevel     string

	Security   SecurityConfig
	Masking    MaskingConfig
	WAL        WALConfig
	Loki       LokiConfig
	Validation ValidationConfig

	ForwardInterval time.Duration

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:         envInt("LOGSTACK_PORT", 8080),
		ReadTimeout:  envDuration("LOGSTACK_READ_TIMEOUT", 30*time.Second),
		WriteTimeout: envDuration("LOGSTACK_WRITE_TIMEOUT", 30*time.Second),
		LogLevel:     envStr("LOGSTACK_LOG_LEVEL", "info"),
		Security: SecurityConfig{
			RateLimitRPS:   envFloat("LOGSTACK_SECURITY_RATE_LIMIT_RPS", 2000),
			RateLimitBurst: envInt("LOGSTACK_SECURITY_RATE_LIMIT_BURST", 10000),
			AdminToken:     envStr("LOGSTACK_SECURITY_ADMIN_TOKEN", ""),
			APIKeys:        map[string]APIKey{},
		},
		Masking: MaskingConfig{
			BaselineKeys:    []string{"password", "token", "authorization", "api_key", "secret", "card_number"},
			PartialRules:    map[string]PartialRule{"authorization": {KeepPrefix: 5}},
			TenantOverrides: map[string][]string{},
		},
		WAL: WALConfig{
			RootPath:           envStr("LOGSTACK_WAL_ROOT_PATH", "./wal"),
			SegmentMaxBytes:    envInt64("LOGSTACK_WAL_SEGMENT_MAX_BYTES", 128<<20),
			RotationTimeActive: envDuration("LOGSTACK_WAL_ROTATION_TIME_ACTIVE", 5*time.Minute),
			RotationTimeIdle:   envDuration("LOGSTACK_WAL_ROTATION_TIME_IDLE", time.Hour),
			IdleThreshold:      envDuration("LOGSTACK_WAL_IDLE_THRESHOLD", 10*time.Minute),
			MinRotationBytes:   envInt64("LOGSTACK_WAL_MIN_ROTATION_BYTES", 64<<10),
			ForceRotation:      envDuration("LOGSTACK_WAL_FORCE_ROTATION", 6*time.Hour),
			QuotaBytes:         envInt64("LOGSTACK_WAL_QUOTA_BYTES", 2<<30),
			QuotaAge:           envDuration("LOGSTACK_WAL_QUOTA_AGE", 24*time.Hour),
			DiskFreeMinRatio:   envFloat("LOGSTACK_WAL_DISK_FREE_MIN_RATIO", 0.20),
		},
		Loki: LokiConfig{
			BaseURL:            envStr("LOGSTACK_LOKI_BASE_URL", "http://localhost:3100"),
			PushEndpoint:       envStr("LOGSTACK_LOKI_PUSH_ENDPOINT", "/loki/api/v1/push"),
			Timeout:            envDuration("LOGSTACK_LOKI_TIMEOUT", 30*time.Second),
			MaxRetries:         envInt("LOGSTACK_LOKI_MAX_RETRIES", 3),
			BackoffSeconds:     []int{5, 10, 20},
			BackoffParkSeconds: envInt("LOGSTACK_LOKI_BACKOFF_PARK", 60),
			BatchMaxEntries:    envInt("LOGSTACK_LOKI_BATCH_MAX_ENTRIES", 1000),
			BatchMaxBytes:      envInt64("LOGSTACK_LOKI_BATCH_MAX_BYTES", 1<<20),
		},
		Validation: ValidationConfig{
			EntryBytesMax:       envInt("LOGSTACK_VALIDATION_ENTRY_BYTES_MAX", 32<<10),
			BatchEntriesMax:     envInt("LOGSTACK_VALIDATION_BATCH_ENTRIES_MAX", 500),
			BatchBytesMax:       envInt("LOGSTACK_VALIDATION_BATCH_BYTES_MAX", 1<<20),
			AllowedLabels:       []string{"service", "env", "level", "schema_version", "region", "tenant"},
			MaxLabels:           envInt("LOGSTACK_VALIDATION_MAX_LABELS", 6),
			MaxLabelValueLength: envInt("LOGSTACK_VALIDATION_MAX_LABEL_VALUE_LENGTH", 64),
			MaxMetadataDepth:    envInt("LOGSTACK_VALIDATION_MAX_METADATA_DEPTH", 5),
		},
		ForwardInterval: envDuration("LOGSTACK_FORWARD_INTERVAL", 30*time.Second),
		OTELEndpoint:    envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:    envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:     envStr("OTEL_SERVICE_NAME", "logstack"),
	}

	if err := envJSON("LOGSTACK_SECURITY_API_KEYS", &cfg.Security.APIKeys); err != nil {
		return Config{}, err
	}
	if err := envJSON("LOGSTACK_MASKING_BASELINE_KEYS", &cfg.Masking.BaselineKeys); err != nil {
		return Config{}, err
	}
	if err := envJSON("LOGSTACK_MASKING_PARTIAL_RULES", &cfg.Masking.PartialRules); err != nil {
		return Config{}, err
	}
	if err := envJSON("LOGSTACK_MASKING_TENANT_OVERRIDES", &cfg.Masking.TenantOverrides); err != nil {
		return Config{}, err
	}
	if err := envJSON("LOGSTACK_LOKI_BACKOFF_SECONDS", &cfg.Loki.BackoffSeconds); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and sane.
func (c Config) Validate() error {
	if c.WAL.RootPath == "" {
		return fmt.Errorf("config: LOGSTACK_WAL_ROOT_PATH is required")
	}
	if c.WAL.SegmentMaxBytes <= 0 {
		return fmt.Errorf("config: LOGSTACK_WAL_SEGMENT_MAX_BYTES must be positive")
	}
	if c.WAL.QuotaBytes <= 0 {
		return fmt.Errorf("config: LOGSTACK_WAL_QUOTA_BYTES must be positive")
	}
	if c.WAL.DiskFreeMinRatio < 0 || c.WAL.DiskFreeMinRatio >= 1 {
		return fmt.Errorf("config: LOGSTACK_WAL_DISK_FREE_MIN_RATIO must be in [0, 1)")
	}
	if c.Security.RateLimitRPS <= 0 {
		return fmt.Errorf("config: LOGSTACK_SECURITY_RATE_LIMIT_RPS must be positive")
	}
	if c.Security.RateLimitBurst <= 0 {
		return fmt.Errorf("config: LOGSTACK_SECURITY_RATE_LIMIT_BURST must be positive")
	}
	if c.Loki.BaseURL == "" {
		return fmt.Errorf("config: LOGSTACK_LOKI_BASE_URL is required")
	}
	if len(c.Loki.BackoffSeconds) == 0 {
		return fmt.Errorf("config: LOGSTACK_LOKI_BACKOFF_SECONDS must not be empty")
	}
	if c.Validation.BatchEntriesMax <= 0 {
		return fmt.Errorf("config: LOGSTACK_VALIDATION_BATCH_ENTRIES_MAX must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envInt64(key string, defaultVal int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

// envJSON decodes a JSON-valued environment variable into target.
// An unset variable leaves target untouched; malformed JSON is an error
// rather than a silent fallback, because these variables carry security rules.
func envJSON(key string, target any) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(v), target); err != nil {
		return fmt.Errorf("config: parse %s: %w", key, err)
	}
	return nil
}
