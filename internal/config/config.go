package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Providers  []ProviderConfig `mapstructure:"providers"`
	Models     ModelsConfig     `mapstructure:"models"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Cache      CacheConfig      `mapstructure:"cache"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Coach      CoachConfig      `mapstructure:"coach"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	I18n       I18nConfig       `mapstructure:"i18n"`
	Knowledge  KnowledgeConfig  `mapstructure:"knowledge"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// ProviderConfig describes one upstream LLM provider. Credentials are
// never placed in the config file; CredentialEnv names the variable that
// carries the API key (or, for local providers, the endpoint URL).
type ProviderConfig struct {
	Name          string        `mapstructure:"name"` // openai | anthropic | ollama
	BaseURL       string        `mapstructure:"base_url"`
	CredentialEnv string        `mapstructure:"credential_env"`
	Priority      int           `mapstructure:"priority"` // ascending = preferred
	Timeout       time.Duration `mapstructure:"timeout"`
	HealthModel   string        `mapstructure:"health_model"`
}

type ModelsConfig struct {
	Default string      `mapstructure:"default"`
	Catalog []ModelInfo `mapstructure:"catalog"`
}

type ModelInfo struct {
	ID              string  `mapstructure:"id"`
	Name            string  `mapstructure:"name"`
	Provider        string  `mapstructure:"provider"`
	Tier            string  `mapstructure:"tier"` // free | premium
	MaxTokens       int     `mapstructure:"max_tokens"`
	Temperature     float64 `mapstructure:"temperature"`
	DailyLimit      int     `mapstructure:"daily_limit"`
	TrialMessages   int     `mapstructure:"trial_messages"`
	TrialWindowDays int     `mapstructure:"trial_window_days"`
	Disabled        bool    `mapstructure:"disabled"`
}

type StorageConfig struct {
	Type   string       `mapstructure:"type"` // redis | memory
	Redis  RedisConfig  `mapstructure:"redis"`
	Memory MemoryConfig `mapstructure:"memory"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MemoryConfig struct {
	DefaultExpiration time.Duration `mapstructure:"default_expiration"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
}

type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
	MaxSize int           `mapstructure:"max_size"`
}

type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

type CoachConfig struct {
	DefaultPersona       string        `mapstructure:"default_persona"`
	MaxHistoryTurns      int           `mapstructure:"max_history_turns"`
	KnowledgeLimit       int           `mapstructure:"knowledge_limit"`
	HealthCheckInterval  time.Duration `mapstructure:"health_check_interval"`
	HealthFreshnessWindow time.Duration `mapstructure:"health_freshness_window"`
}

type LoggingConfig struct {
	Level  string     `mapstructure:"level"`
	Format string     `mapstructure:"format"`
	Output string     `mapstructure:"output"`
	File   FileConfig `mapstructure:"file"`
}

type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

type MonitoringConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

type I18nConfig struct {
	DefaultLanguage string   `mapstructure:"default_language"`
	Languages       []string `mapstructure:"languages"`
}

type KnowledgeConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Directory string `mapstructure:"directory"`
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	viper.SetEnvPrefix("")
	viper.BindEnv("server.port", "PORT")
	viper.BindEnv("storage.redis.password", "REDIS_PASSWORD")
	viper.BindEnv("storage.redis.db", "REDIS_DB")

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Handle Redis address special case
	if redisHost := os.Getenv("REDIS_HOST"); redisHost != "" {
		redisPort := os.Getenv("REDIS_PORT")
		if redisPort == "" {
			redisPort = "6379"
		}
		config.Storage.Redis.Addr = fmt.Sprintf("%s:%s", redisHost, redisPort)
	}

	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Coach.DefaultPersona == "" {
		cfg.Coach.DefaultPersona = "marcus"
	}
	if cfg.Coach.MaxHistoryTurns == 0 {
		cfg.Coach.MaxHistoryTurns = 20
	}
	if cfg.Coach.KnowledgeLimit == 0 {
		cfg.Coach.KnowledgeLimit = 3
	}
	if cfg.Coach.HealthCheckInterval == 0 {
		cfg.Coach.HealthCheckInterval = 60 * time.Second
	}
	if cfg.Coach.HealthFreshnessWindow == 0 {
		cfg.Coach.HealthFreshnessWindow = 30 * time.Second
	}
	for i := range cfg.Providers {
		if cfg.Providers[i].Timeout == 0 {
			cfg.Providers[i].Timeout = 120 * time.Second
		}
	}
}

func validateConfig(cfg *Config) error {
	if len(cfg.Providers) == 0 {
		return fmt.Errorf("at least one provider is required")
	}
	if len(cfg.Models.Catalog) == 0 {
		return fmt.Errorf("at least one model is required")
	}
	if cfg.Models.Default == "" {
		return fmt.Errorf("default model is required")
	}
	known := make(map[string]bool, len(cfg.Providers))
	for _, p := range cfg.Providers {
		known[p.Name] = true
	}
	for _, m := range cfg.Models.Catalog {
		if !known[m.Provider] {
			return fmt.Errorf("model %s references unknown provider %s", m.ID, m.Provider)
		}
	}
	return nil
}
