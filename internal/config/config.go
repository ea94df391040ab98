package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config captures runtime configuration sourced from environment variables.
type Config struct {
	Environment  string
	HTTPPort     string
	DatabasePath string
	LogDir       string
	Debug        bool

	Engine EngineConfig
	Redis  RedisConfig
	Kafka  KafkaConfig
	Jobs   JobsConfig
	Agent  AgentConfig
}

// EngineConfig tunes the scorer, the classifier and the block lifecycle.
type EngineConfig struct {
	HighRiskCountries   []string      `validate:"dive,len=2"`
	MediumRiskCountries []string      `validate:"dive,len=2"`
	EnrichmentTimeout   time.Duration `validate:"gt=0"`
	EnrichmentCacheTTL  time.Duration `validate:"gte=0"`
	FreshnessWindow     time.Duration `validate:"gt=0"`
	TravelLookback      time.Duration `validate:"gt=0"`
	TemporaryBlock      time.Duration `validate:"gt=0"`
	BlockEverywhere     bool
}

// RedisConfig enables the shared enrichment cache when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int `validate:"gte=0"`
}

// KafkaConfig enables command and alert publishing when Brokers is non-empty.
type KafkaConfig struct {
	Brokers      []string
	CommandTopic string
	AlertTopic   string
}

// JobsConfig holds cron specs for background maintenance.
type JobsConfig struct {
	ReconcileSpec string `validate:"required"`
	ExpirySpec    string `validate:"required"`
	PurgeSpec     string `validate:"required"`
}

// AgentConfig holds the shared secret used to sign and verify agent bearer tokens.
// A zero TokenTTL issues tokens without expiry.
type AgentConfig struct {
	JWTSecret string
	TokenTTL  time.Duration `validate:"gte=0"`
}

// DefaultEngineConfig returns the engine settings used when nothing is configured.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		HighRiskCountries:   []string{"CN", "RU", "KP", "IR"},
		MediumRiskCountries: []string{"BR", "IN", "VN", "UA", "RO", "NG", "PK", "ID"},
		EnrichmentTimeout:   2 * time.Second,
		EnrichmentCacheTTL:  5 * time.Minute,
		FreshnessWindow:     24 * time.Hour,
		TravelLookback:      24 * time.Hour,
		TemporaryBlock:      48 * time.Hour,
	}
}

// Load reads env vars and falls back to defaults so the server can boot with zero configuration.
func Load() (Config, error) {
	// A missing .env file is the normal case outside local development.
	_ = godotenv.Load()

	defaults := DefaultEngineConfig()
	cfg := Config{
		Environment:  getEnv("WARDEN_ENV", "development"),
		HTTPPort:     getEnv("WARDEN_HTTP_PORT", "8080"),
		DatabasePath: getEnv("WARDEN_DB_PATH", filepath.Join("data", "warden.db")),
		LogDir:       getEnv("WARDEN_LOG_DIR", filepath.Join("data", "logs")),
		Debug:        getBool("WARDEN_DEBUG", false),
		Engine: EngineConfig{
			HighRiskCountries:   upper(getList("WARDEN_HIGH_RISK_COUNTRIES", defaults.HighRiskCountries)),
			MediumRiskCountries: upper(getList("WARDEN_MEDIUM_RISK_COUNTRIES", defaults.MediumRiskCountries)),
			EnrichmentTimeout:   getDuration("WARDEN_ENRICHMENT_TIMEOUT", defaults.EnrichmentTimeout),
			EnrichmentCacheTTL:  getDuration("WARDEN_ENRICHMENT_CACHE_TTL", defaults.EnrichmentCacheTTL),
			FreshnessWindow:     getDuration("WARDEN_ENRICHMENT_FRESHNESS", defaults.FreshnessWindow),
			TravelLookback:      getDuration("WARDEN_TRAVEL_LOOKBACK", defaults.TravelLookback),
			TemporaryBlock:      getDuration("WARDEN_TEMPORARY_BLOCK", defaults.TemporaryBlock),
			BlockEverywhere:     getBool("WARDEN_BLOCK_EVERYWHERE", false),
		},
		Redis: RedisConfig{
			Addr:     getEnv("WARDEN_REDIS_ADDR", ""),
			Password: getEnv("WARDEN_REDIS_PASSWORD", ""),
			DB:       getInt("WARDEN_REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers:      getList("WARDEN_KAFKA_BROKERS", nil),
			CommandTopic: getEnv("WARDEN_KAFKA_COMMAND_TOPIC", "warden.firewall-commands"),
			AlertTopic:   getEnv("WARDEN_KAFKA_ALERT_TOPIC", "warden.alerts"),
		},
		Jobs: JobsConfig{
			ReconcileSpec: getEnv("WARDEN_RECONCILE_SPEC", "@every 5m"),
			ExpirySpec:    getEnv("WARDEN_EXPIRY_SPEC", "@every 1m"),
			PurgeSpec:     getEnv("WARDEN_PURGE_SPEC", "@every 10m"),
		},
		Agent: AgentConfig{
			JWTSecret: getEnv("WARDEN_AGENT_JWT_SECRET", ""),
			TokenTTL:  getDuration("WARDEN_AGENT_TOKEN_TTL", 0),
		},
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return Config{}, fmt.Errorf("ensure data directory: %w", err)
	}

	return cfg, nil
}

// Validate checks struct constraints on the loaded configuration.
func Validate(cfg Config) error {
	v := validator.New()
	for _, section := range []interface{}{cfg.Engine, cfg.Redis, cfg.Jobs, cfg.Agent} {
		if err := v.Struct(section); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
	}
	return nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}

	return fallback
}

func getBool(key string, fallback bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return fallback
}

func getList(key string, fallback []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func upper(codes []string) []string {
	out := make([]string, len(codes))
	for i, c := range codes {
		out[i] = strings.ToUpper(c)
	}
	return out
}
