package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/teleperf/phoneqa/internal/resilience"
	"github.com/teleperf/phoneqa/internal/store"
)

// Config holds the full application configuration.
type Config struct {
	Store  StoreConfig  `yaml:"store" mapstructure:"store"`
	Import ImportConfig `yaml:"import" mapstructure:"import"`
	Roster RosterConfig `yaml:"roster" mapstructure:"roster"`
	Server ServerConfig `yaml:"server" mapstructure:"server"`
	Log    LogConfig    `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string           `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string           `yaml:"database_url" mapstructure:"database_url"`
	Path        string           `yaml:"path" mapstructure:"path"`
	Pool        store.PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// ImportConfig configures the import run behavior.
type ImportConfig struct {
	BatchRoot         string      `yaml:"batch_root" mapstructure:"batch_root"`
	StoredPrefix      string      `yaml:"stored_prefix" mapstructure:"stored_prefix"`
	QuarantinePrefix  string      `yaml:"quarantine_prefix" mapstructure:"quarantine_prefix"`
	Concurrency       int         `yaml:"concurrency" mapstructure:"concurrency"`
	RatePerSec        float64     `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	MaxOverallScore   float64     `yaml:"max_overall_score" mapstructure:"max_overall_score"`
	MaxCriterionScore float64     `yaml:"max_criterion_score" mapstructure:"max_criterion_score"`
	StrictDuplicates  bool        `yaml:"strict_duplicates" mapstructure:"strict_duplicates"`
	Retry             RetryConfig `yaml:"retry" mapstructure:"retry"`
}

// RetryConfig tunes the transient-failure retry loop.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// Resilience converts the configured values into a resilience.RetryConfig.
func (r RetryConfig) Resilience() resilience.RetryConfig {
	cfg := resilience.DefaultRetryConfig()
	if r.MaxAttempts > 0 {
		cfg.MaxAttempts = r.MaxAttempts
	}
	if r.InitialBackoffMs > 0 {
		cfg.InitialBackoff = time.Duration(r.InitialBackoffMs) * time.Millisecond
	}
	if r.MaxBackoffMs > 0 {
		cfg.MaxBackoff = time.Duration(r.MaxBackoffMs) * time.Millisecond
	}
	return cfg
}

// RosterConfig configures the agent roster source.
type RosterConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// ServerConfig configures the status API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Validate checks that the configuration is usable for the given mode.
// Misconfiguration is fatal: nothing is processed and no file is renamed.
func (c *Config) Validate(mode string) error {
	var problems []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required for the postgres driver")
		}
	case "sqlite":
		if c.Store.Path == "" {
			problems = append(problems, "store.path is required for the sqlite driver")
		}
	default:
		problems = append(problems, "store.driver must be postgres or sqlite")
	}

	switch mode {
	case "import":
		if c.Import.Concurrency < 1 || c.Import.Concurrency > 64 {
			problems = append(problems, "import.concurrency must be between 1 and 64")
		}
		if c.Import.RatePerSec < 0 {
			problems = append(problems, "import.rate_per_sec must be >= 0")
		}
		if c.Import.MaxOverallScore <= 0 || c.Import.MaxCriterionScore <= 0 {
			problems = append(problems, "score ranges must be > 0")
		}
		if c.Import.StoredPrefix == "" || c.Import.QuarantinePrefix == "" {
			problems = append(problems, "marker prefixes must not be empty")
		}
		if c.Import.StoredPrefix == c.Import.QuarantinePrefix {
			problems = append(problems, "stored and quarantine prefixes must differ")
		}
	case "serve":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			problems = append(problems, "server.port must be > 0")
		}
	case "roster":
		if c.Roster.Path == "" {
			problems = append(problems, "roster.path is required")
		}
	case "migrate", "status":
		// Store checks above are sufficient.
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PHONEQA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "phoneqa.db")
	v.SetDefault("store.pool.max_conns", 10)
	v.SetDefault("store.pool.min_conns", 2)
	v.SetDefault("store.pool.statement_timeout_ms", 30000)
	v.SetDefault("import.stored_prefix", "Stored-")
	v.SetDefault("import.quarantine_prefix", "BadData-")
	v.SetDefault("import.concurrency", 1)
	v.SetDefault("import.rate_per_sec", 0)
	v.SetDefault("import.max_overall_score", 100)
	v.SetDefault("import.max_criterion_score", 10)
	v.SetDefault("import.strict_duplicates", false)
	v.SetDefault("import.retry.max_attempts", 3)
	v.SetDefault("import.retry.initial_backoff_ms", 500)
	v.SetDefault("import.retry.max_backoff_ms", 30000)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
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
