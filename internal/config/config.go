package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fractal-lba/creditscore/internal/api"
	"github.com/fractal-lba/creditscore/internal/history"
)

// EnvPrefix prefixes every environment override, e.g. CREDITSCORE_SERVER_PORT.
const EnvPrefix = "CREDITSCORE"

type Config struct {
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Data    DataConfig    `yaml:"data" mapstructure:"data"`
	Scoring ScoringConfig `yaml:"scoring" mapstructure:"scoring"`
	Cache   CacheConfig   `yaml:"cache" mapstructure:"cache"`
	History HistoryConfig `yaml:"history" mapstructure:"history"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
	Otel    OtelConfig    `yaml:"otel" mapstructure:"otel"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Port        int     `yaml:"port" mapstructure:"port"`
	Rate        float64 `yaml:"rate" mapstructure:"rate"`
	Burst       int     `yaml:"burst" mapstructure:"burst"`
	MetricsUser string  `yaml:"metrics_user" mapstructure:"metrics_user"`
	MetricsPass string  `yaml:"metrics_pass" mapstructure:"metrics_pass"`
	GatewayAuth bool    `yaml:"gateway_auth" mapstructure:"gateway_auth"`
}

// DataConfig locates the training artifacts.
type DataConfig struct {
	ReferenceCSV string `yaml:"reference_csv" mapstructure:"reference_csv"`
	ModelsPath   string `yaml:"models_path" mapstructure:"models_path"`
}

type ScoringConfig struct {
	DecisionThreshold float64       `yaml:"decision_threshold" mapstructure:"decision_threshold"`
	TopK              int           `yaml:"top_k" mapstructure:"top_k"`
	ChartMaxDisplay   int           `yaml:"chart_max_display" mapstructure:"chart_max_display"`
	RenderTimeout     time.Duration `yaml:"render_timeout" mapstructure:"render_timeout"`
	DisableChart      bool          `yaml:"disable_chart" mapstructure:"disable_chart"`
}

// CacheConfig sizes the attribution cache. A zero TTL never expires entries.
type CacheConfig struct {
	Size int           `yaml:"size" mapstructure:"size"`
	TTL  time.Duration `yaml:"ttl" mapstructure:"ttl"`
}

// HistoryConfig selects the history backend.
type HistoryConfig struct {
	Backend       string `yaml:"backend" mapstructure:"backend"`
	Path          string `yaml:"path" mapstructure:"path"`
	Limit         int    `yaml:"limit" mapstructure:"limit"`
	RedisAddr     string `yaml:"redis_addr" mapstructure:"redis_addr"`
	RedisPassword string `yaml:"redis_password" mapstructure:"redis_password"`
	RedisDB       int    `yaml:"redis_db" mapstructure:"redis_db"`
	RedisKey      string `yaml:"redis_key" mapstructure:"redis_key"`
	PostgresURL   string `yaml:"postgres_url" mapstructure:"postgres_url"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

type OtelConfig struct {
	Enabled      bool    `yaml:"enabled" mapstructure:"enabled"`
	Endpoint     string  `yaml:"endpoint" mapstructure:"endpoint"`
	Insecure     bool    `yaml:"insecure" mapstructure:"insecure"`
	SamplingRate float64 `yaml:"sampling_rate" mapstructure:"sampling_rate"`
	ServiceName  string  `yaml:"service_name" mapstructure:"service_name"`
}

// Load reads configuration from an optional .env file, an optional
// config.yaml and the environment, in increasing precedence. configFile
// overrides the config.yaml search when set.
func Load(configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, eris.Wrap(err, "config: read .env")
	}

	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := api.DefaultScoringParams()
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.rate", 100.0)
	v.SetDefault("server.burst", 200)
	v.SetDefault("server.metrics_user", "")
	v.SetDefault("server.metrics_pass", "")
	v.SetDefault("server.gateway_auth", false)
	v.SetDefault("data.reference_csv", "data/reference.csv")
	v.SetDefault("data.models_path", "data/models.json")
	v.SetDefault("scoring.decision_threshold", defaults.DecisionThreshold)
	v.SetDefault("scoring.top_k", defaults.TopK)
	v.SetDefault("scoring.chart_max_display", defaults.ChartMaxDisplay)
	v.SetDefault("scoring.render_timeout", defaults.RenderTimeout)
	v.SetDefault("scoring.disable_chart", false)
	v.SetDefault("cache.size", 1024)
	v.SetDefault("cache.ttl", time.Duration(0))
	v.SetDefault("history.backend", history.BackendSQLite)
	v.SetDefault("history.path", "data/history.db")
	v.SetDefault("history.limit", defaults.HistoryLimit)
	v.SetDefault("history.redis_addr", "localhost:6379")
	v.SetDefault("history.redis_password", "")
	v.SetDefault("history.redis_db", 0)
	v.SetDefault("history.redis_key", history.DefaultRedisKey)
	v.SetDefault("history.postgres_url", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("otel.enabled", false)
	v.SetDefault("otel.endpoint", "localhost:4317")
	v.SetDefault("otel.insecure", true)
	v.SetDefault("otel.sampling_rate", 1.0)
	v.SetDefault("otel.service_name", "creditscore")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	s := c.Scoring
	switch {
	case !(s.DecisionThreshold > 0 && s.DecisionThreshold < 1):
		return eris.Errorf("config: scoring.decision_threshold %v outside (0,1)", s.DecisionThreshold)
	case s.TopK <= 0:
		return eris.Errorf("config: scoring.top_k must be positive, got %d", s.TopK)
	case s.ChartMaxDisplay < 2:
		return eris.Errorf("config: scoring.chart_max_display must be at least 2, got %d", s.ChartMaxDisplay)
	case s.RenderTimeout < 0:
		return eris.Errorf("config: scoring.render_timeout is negative")
	case c.History.Limit <= 0 || c.History.Limit > history.DefaultLimit:
		return eris.Errorf("config: history.limit must be in 1..%d, got %d", history.DefaultLimit, c.History.Limit)
	case c.Server.Rate <= 0 || c.Server.Burst <= 0:
		return eris.Errorf("config: server.rate and server.burst must be positive")
	}
	switch c.History.Backend {
	case history.BackendMemory, history.BackendFile, history.BackendSQLite,
		history.BackendRedis, history.BackendPostgres:
	default:
		return eris.Errorf("config: unknown history.backend %q", c.History.Backend)
	}
	if c.History.Backend == history.BackendPostgres && c.History.PostgresURL == "" {
		return eris.New("config: history.postgres_url is required for the postgres backend")
	}
	return nil
}

// ScoringParams converts the scoring section.
func (c *Config) ScoringParams() api.ScoringParams {
	return api.ScoringParams{
		DecisionThreshold: c.Scoring.DecisionThreshold,
		TopK:              c.Scoring.TopK,
		ChartMaxDisplay:   c.Scoring.ChartMaxDisplay,
		RenderTimeout:     c.Scoring.RenderTimeout,
		HistoryLimit:      c.History.Limit,
	}
}

// HistoryOptions converts the history section.
func (c *Config) HistoryOptions() history.Options {
	h := c.History
	return history.Options{
		Backend:       h.Backend,
		Path:          h.Path,
		RedisAddr:     h.RedisAddr,
		RedisPassword: h.RedisPassword,
		RedisDB:       h.RedisDB,
		RedisKey:      h.RedisKey,
		PostgresURL:   h.PostgresURL,
	}
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
