package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
// ⭐ SSOT: 모든 환경변수는 여기서만 읽음
type Config struct {
	// Server
	Port string
	Env  string // development, staging, production

	// Store (observation store + derived tables)
	Store StoreConfig

	// Redis
	Redis RedisConfig

	// Catalog / formulas
	CatalogPath  string
	FormulasPath string

	// Pipeline run
	Pipeline PipelineConfig

	// Quality engine
	Quality QualityConfig

	// Alerts
	Alert AlertConfig

	// Scheduler
	ScheduleCron string

	// Credentials keyed by name, from *_API_KEY variables (FRED_API_KEY -> "FRED")
	Credentials map[string]string

	// Logging
	LogLevel  string
	LogFormat string

	// Monitoring
	MetricsEnabled        bool
	MetricsPushgatewayURL string
}

// StoreConfig holds the observation store location and pool settings.
// URL is the single override: postgres:// selects PostgreSQL, anything else is a SQLite path.
type StoreConfig struct {
	URL string

	// Connection Pool (PostgreSQL)
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	Enabled  bool
}

// PipelineConfig holds the daily batch run settings.
type PipelineConfig struct {
	RunBudget          time.Duration
	SourceTimeout      time.Duration
	FetchConcurrency   int
	FetchMaxRetries    int
	StageWorkers       int
	RevisionWindowDays int
	HistoryStart       string // YYYY-MM-DD
	HorizonCalendar    string // weekdays, daily
}

// QualityConfig holds the quality engine thresholds.
type QualityConfig struct {
	StaleK         float64
	OutlierMult    float64
	OutlierWindow  int
	OutlierMinimum int
}

// AlertConfig holds alert sink settings.
type AlertConfig struct {
	WebhookURL     string
	WebhookTimeout time.Duration
}

// Load reads configuration from environment variables
// ⭐ SSOT: 이 함수만 os.Getenv()를 호출함
func Load() (*Config, error) {
	// Try multiple paths for .env file
	loadEnvFile()

	cfg := &Config{
		// Server
		Port: getEnv("PORT", "8089"),
		Env:  getEnv("ENV", "development"),

		Store: StoreConfig{
			URL:             getEnv("STORE_URL", "data/macro.db"),
			MaxConns:        getEnvAsInt("DB_MAX_CONNS", 25),
			MinConns:        getEnvAsInt("DB_MIN_CONNS", 2),
			MaxConnLifetime: getEnvAsDuration("DB_MAX_CONN_LIFETIME", "1h"),
			MaxConnIdleTime: getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", "30m"),
		},

		// Redis
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
		},

		CatalogPath:  getEnv("CATALOG_PATH", "configs/catalog.yaml"),
		FormulasPath: getEnv("FORMULAS_PATH", "configs/formulas.yaml"),

		Pipeline: PipelineConfig{
			RunBudget:          getEnvAsDuration("RUN_BUDGET", "30m"),
			SourceTimeout:      getEnvAsDuration("SOURCE_TIMEOUT", "2m"),
			FetchConcurrency:   getEnvAsInt("FETCH_CONCURRENCY", 4),
			FetchMaxRetries:    getEnvAsInt("FETCH_MAX_RETRIES", 3),
			StageWorkers:       getEnvAsInt("STAGE_WORKERS", 4),
			RevisionWindowDays: getEnvAsInt("REVISION_WINDOW_DAYS", 400),
			HistoryStart:       getEnv("HISTORY_START", "2000-01-01"),
			HorizonCalendar:    getEnv("HORIZON_CALENDAR", "weekdays"),
		},

		Quality: QualityConfig{
			StaleK:         getEnvAsFloat("QUALITY_STALE_K", 3),
			OutlierMult:    getEnvAsFloat("QUALITY_OUTLIER_MULT", 5),
			OutlierWindow:  getEnvAsInt("QUALITY_OUTLIER_WINDOW", 24),
			OutlierMinimum: getEnvAsInt("QUALITY_OUTLIER_MIN", 8),
		},

		Alert: AlertConfig{
			WebhookURL:     getEnv("ALERT_WEBHOOK_URL", ""),
			WebhookTimeout: getEnvAsDuration("ALERT_WEBHOOK_TIMEOUT", "10s"),
		},

		// 매일 07:30 (초 단위 cron)
		ScheduleCron: getEnv("SCHEDULE_CRON", "0 30 7 * * *"),

		Credentials: loadCredentials(),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		// Monitoring
		MetricsEnabled:        getEnvAsBool("METRICS_ENABLED", true),
		MetricsPushgatewayURL: getEnv("METRICS_PUSHGATEWAY_URL", ""),
	}

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Credential returns the secret registered under name, or "".
func (c *Config) Credential(name string) string {
	if c.Credentials == nil {
		return ""
	}
	return c.Credentials[strings.ToUpper(name)]
}

// validate checks if required configuration values are set
func (c *Config) validate() error {
	if c.Store.URL == "" {
		return fmt.Errorf("STORE_URL is required")
	}

	// Validate environment
	if c.Env != "development" && c.Env != "staging" && c.Env != "production" {
		return fmt.Errorf("ENV must be one of: development, staging, production")
	}

	if c.Pipeline.RunBudget <= 0 {
		return fmt.Errorf("RUN_BUDGET must be positive")
	}
	if c.Pipeline.SourceTimeout <= 0 {
		return fmt.Errorf("SOURCE_TIMEOUT must be positive")
	}
	if c.Pipeline.FetchConcurrency < 1 || c.Pipeline.StageWorkers < 1 {
		return fmt.Errorf("FETCH_CONCURRENCY and STAGE_WORKERS must be at least 1")
	}
	if c.Pipeline.FetchMaxRetries < 0 {
		return fmt.Errorf("FETCH_MAX_RETRIES must not be negative")
	}
	if _, err := time.Parse("2006-01-02", c.Pipeline.HistoryStart); err != nil {
		return fmt.Errorf("HISTORY_START must be YYYY-MM-DD: %w", err)
	}
	if c.Pipeline.HorizonCalendar != "weekdays" && c.Pipeline.HorizonCalendar != "daily" {
		return fmt.Errorf("HORIZON_CALENDAR must be one of: weekdays, daily")
	}
	if c.Quality.StaleK <= 0 || c.Quality.OutlierMult <= 0 {
		return fmt.Errorf("QUALITY_STALE_K and QUALITY_OUTLIER_MULT must be positive")
	}

	return nil
}

// Helper functions (private, only used within this file)

// loadEnvFile tries to load .env from multiple locations
func loadEnvFile() {
	// Try paths in order of priority
	paths := []string{
		".env",         // Current directory
		"backend/.env", // From project root
	}

	// Also try relative to executable
	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		paths = append(paths,
			filepath.Join(exeDir, ".env"),
			filepath.Join(exeDir, "..", ".env"),
		)
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			return
		}
	}
}

// loadCredentials collects every NAME_API_KEY variable under NAME.
func loadCredentials() map[string]string {
	creds := make(map[string]string)
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" || !strings.HasSuffix(key, "_API_KEY") {
			continue
		}
		creds[strings.TrimSuffix(key, "_API_KEY")] = value
	}
	return creds
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}

	duration, err := time.ParseDuration(valueStr)
	if err != nil {
		// Fallback to default
		duration, _ = time.ParseDuration(defaultValue)
	}

	return duration
}
