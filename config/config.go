// Package config loads runtime settings from an optional config file, an
// optional .env file and the environment, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	DBPath   string `mapstructure:"db_path"`
	HTTPAddr string `mapstructure:"http_addr"`

	Session struct {
		Secret string        `mapstructure:"secret"`
		TTL    time.Duration `mapstructure:"ttl"`
	} `mapstructure:"session"`

	Cache struct {
		Size int           `mapstructure:"size"`
		TTL  time.Duration `mapstructure:"ttl"`
	} `mapstructure:"cache"`

	Queue struct {
		Workers      int           `mapstructure:"workers"`
		MaxAttempts  int           `mapstructure:"max_attempts"`
		BaseBackoff  time.Duration `mapstructure:"base_backoff"`
		MaxBackoff   time.Duration `mapstructure:"max_backoff"`
		PollInterval time.Duration `mapstructure:"poll_interval"`
		JobTimeout   time.Duration `mapstructure:"job_timeout"`
		Lease        time.Duration `mapstructure:"lease"`
	} `mapstructure:"queue"`

	OrgDomain string `mapstructure:"org_domain"`

	// NamesOptional accepts books with no authors or no genres.
	NamesOptional bool `mapstructure:"names_optional"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
}

// Load reads configFile when non-empty, otherwise looks for config.yaml in
// the working directory. Environment variables use the LIBRARY_ prefix, e.g.
// LIBRARY_SESSION_SECRET for session.secret.
func Load(configFile string) (Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	v := viper.New()
	v.SetDefault("db_path", "library.db")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("session.ttl", 5*24*time.Hour)
	v.SetDefault("cache.size", 10_000)
	v.SetDefault("cache.ttl", 5*24*time.Hour)
	v.SetDefault("queue.workers", 4)
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.base_backoff", 500*time.Millisecond)
	v.SetDefault("queue.max_backoff", time.Minute)
	v.SetDefault("queue.poll_interval", time.Second)
	v.SetDefault("queue.job_timeout", 30*time.Second)
	v.SetDefault("queue.lease", time.Minute)
	v.SetDefault("org_domain", "lmsmail.com")
	v.SetDefault("names_optional", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("library")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Unmarshal only sees env values for keys viper already knows.
	_ = v.BindEnv("session.secret")

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return c, nil
}

// Validate checks the settings the server cannot start without.
func (c Config) Validate() error {
	if len(c.Session.Secret) < 16 {
		return errors.New("config: session.secret (LIBRARY_SESSION_SECRET) must be at least 16 bytes")
	}
	if c.DBPath == "" {
		return errors.New("config: db_path is required")
	}
	return nil
}

// Logger builds the process logger from the log section.
func (c Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("config: log.level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if c.Log.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
