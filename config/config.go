// Package config loads sqlm's runtime settings from an optional config file
// and prefixed environment variables, and builds the logger they describe.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix is the environment prefix used by the sqlm command.
const EnvPrefix = "SQLM_"

// Config holds everything the command needs to open a database and a catalog.
type Config struct {
	Driver  string      `mapstructure:"driver"`  // sqlite3, postgres or pgx.
	DSN     string      `mapstructure:"dsn"`     // Driver-specific data source.
	Catalog string      `mapstructure:"catalog"` // Optional path to a catalog manifest.
	Log     LogConfig   `mapstructure:"log"`
	Batch   BatchConfig `mapstructure:"batch"`
}

// LogConfig selects the logger level and encoding.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console.
}

// BatchConfig controls how run scripts are executed.
type BatchConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("driver", "sqlite3")
	v.SetDefault("dsn", ":memory:")
	v.SetDefault("catalog", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("batch.concurrency", 1)
}

// Load builds a Config from defaults, the file at path (skipped when path is
// empty) and environment variables carrying prefix. Variables map onto keys
// by dropping the prefix and turning underscores into dots, so with prefix
// "SQLM_" the variable SQLM_LOG_LEVEL sets log.level.
func Load(path, prefix string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	prefixUpper := strings.ToUpper(prefix)
	if prefixUpper != "" {
		for _, envStr := range os.Environ() {
			key, value, ok := strings.Cut(envStr, "=")
			if !ok || !strings.HasPrefix(key, prefixUpper) {
				continue
			}
			propKey := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(key, prefixUpper), "_", "."))
			propKey = strings.TrimPrefix(propKey, ".")
			if propKey != "" {
				v.Set(propKey, value)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Batch.Concurrency < 1 {
		cfg.Batch.Concurrency = 1
	}
	return &cfg, nil
}

// NewLogger builds a zap logger for c. The json format uses zap's production
// settings and console its development settings; both log at c.Level.
func NewLogger(c LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}

	var zc zap.Config
	switch strings.ToLower(c.Format) {
	case "json":
		zc = zap.NewProductionConfig()
	case "console", "":
		zc = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("invalid log format %q", c.Format)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zc.Build()
}
