// Package config loads typed application configuration from the
// environment, an optional .env file, and an optional config file.
package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int

	// VaultKeys holds key material for credential decryption, keyed by key
	// reference. Values are base64-encoded 32-byte AES keys.
	VaultKeys map[string]string

	// RunBudget is the wall-clock budget for a single pipeline run.
	RunBudget time.Duration

	// AllowSharedConsolidation enables the legacy date-wide consolidation
	// mode for runs submitted without a credential. Multi-account tenants
	// must leave it off.
	AllowSharedConsolidation bool

	RateLimit RateLimitConfig
	Scheduler SchedulerConfig

	HTTPAddr string

	// AdminToken authenticates the operator surface under /admin. An empty
	// token disables those routes entirely.
	AdminToken string

	// NodeID distinguishes snowflake generators across replicas.
	NodeID int64
}

// RateLimitConfig controls the per-organization submit rate limiter.
type RateLimitConfig struct {
	Enabled       bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SubmitRate  float64
	SubmitBurst int
}

// SchedulerConfig controls the due-pipeline sweep.
type SchedulerConfig struct {
	Enabled      bool
	TickInterval time.Duration
	BatchSize    int
	LockTTL      time.Duration
}

// Load loads configuration from environment variables, a .env file, and an
// optional config file named by CONFIG_FILE.
func Load() Config {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	if file := strings.TrimSpace(v.GetString("CONFIG_FILE")); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err == nil {
			v.WatchConfig()
		}
	}

	cfg := Config{
		AppName:           getstr(v, "APP_SERVICE", "costplane"),
		AppVersion:        getstr(v, "APP_VERSION", "0.1.0"),
		Environment:       getstr(v, "ENVIRONMENT", "development"),
		OTLPEndpoint:      getstr(v, "OTLP_ENDPOINT", "localhost:4317"),
		DBType:            getstr(v, "DATABASE_TYPE", "postgres"),
		DBHost:            getstr(v, "DATABASE_HOST", "localhost"),
		DBPort:            getstr(v, "DATABASE_PORT", "5432"),
		DBName:            getstr(v, "DATABASE_NAME", "costplane"),
		DBUser:            getstr(v, "DATABASE_USER", "postgres"),
		DBPassword:        getstr(v, "DATABASE_PASSWORD", ""),
		DBSSLMode:         getstr(v, "DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getint(v, "DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getint(v, "DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getint(v, "DATABASE_CONN_MAX_LIFETIME", 3600),
		VaultKeys:         parseVaultKeys(getstr(v, "VAULT_KEYS", "")),
		RunBudget:         getduration(v, "PIPELINE_RUN_BUDGET", 30*time.Minute),

		AllowSharedConsolidation: getbool(v, "PIPELINE_ALLOW_SHARED_CONSOLIDATION", false),
		HTTPAddr:                 getstr(v, "HTTP_ADDR", ":8080"),
		AdminToken:               getstr(v, "ADMIN_TOKEN", ""),
		NodeID:                   int64(getint(v, "SNOWFLAKE_NODE_ID", 1)),
		RateLimit: RateLimitConfig{
			Enabled:       getbool(v, "RATE_LIMIT_ENABLED", false),
			RedisAddr:     getstr(v, "RATE_LIMIT_REDIS_ADDR", ""),
			RedisPassword: getstr(v, "RATE_LIMIT_REDIS_PASSWORD", ""),
			RedisDB:       getint(v, "RATE_LIMIT_REDIS_DB", 0),
			SubmitRate:    getfloat(v, "RATE_LIMIT_SUBMIT_RATE", 1),
			SubmitBurst:   getint(v, "RATE_LIMIT_SUBMIT_BURST", 5),
		},
		Scheduler: SchedulerConfig{
			Enabled:      getbool(v, "SCHEDULER_ENABLED", true),
			TickInterval: getduration(v, "SCHEDULER_TICK_INTERVAL", time.Minute),
			BatchSize:    getint(v, "SCHEDULER_BATCH_SIZE", 25),
			LockTTL:      getduration(v, "SCHEDULER_LOCK_TTL", 5*time.Minute),
		},
	}

	return cfg
}

// parseVaultKeys parses "ref=base64key" pairs separated by commas.
func parseVaultKeys(raw string) map[string]string {
	keys := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		ref, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		ref = strings.TrimSpace(ref)
		value = strings.TrimSpace(value)
		if ref == "" || value == "" {
			continue
		}
		keys[ref] = value
	}
	return keys
}

func getstr(v *viper.Viper, key, def string) string {
	if value := strings.TrimSpace(v.GetString(key)); value != "" {
		return value
	}
	return def
}

func getint(v *viper.Viper, key string, def int) int {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return def
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return parsed
}

func getfloat(v *viper.Viper, key string, def float64) float64 {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getbool(v *viper.Viper, key string, def bool) bool {
	raw := strings.ToLower(strings.TrimSpace(v.GetString(key)))
	if raw == "" {
		return def
	}
	switch raw {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getduration(v *viper.Viper, key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return def
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return parsed
}
