// internal/config/config.go
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	LogLevel             string        `mapstructure:"LOG_LEVEL"`
	DBURL                string        `mapstructure:"DB_URL"`
	ListenAddr           string        `mapstructure:"LISTEN_ADDR"`
	GithubToken          string        `mapstructure:"GITHUB_TOKEN"`
	GithubAppID          int64         `mapstructure:"GITHUB_APP_ID"`
	GithubPrivateKeyPath string        `mapstructure:"GITHUB_PRIVATE_KEY_PATH"`
	GithubBaseURL        string        `mapstructure:"GITHUB_BASE_URL"`
	SyncConcurrency      int           `mapstructure:"SYNC_CONCURRENCY"`
	RemoteCallTimeout    time.Duration `mapstructure:"REMOTE_CALL_TIMEOUT"`
}

// LoadConfig reads configuration from file and/or environment variables.
func LoadConfig() (*Config, error) {
	// Set default values
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LISTEN_ADDR", ":8080")
	viper.SetDefault("SYNC_CONCURRENCY", 5)
	viper.SetDefault("REMOTE_CALL_TIMEOUT", "30s")

	// Load from .env file if it exists
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	_ = viper.ReadInConfig() // Ignore error if file not found

	// Bind environment variables
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Validate required fields
	if cfg.DBURL == "" {
		return nil, errors.New("DB_URL is a required configuration field")
	}
	hasApp := cfg.GithubAppID > 0 && cfg.GithubPrivateKeyPath != ""
	if !hasApp && cfg.GithubToken == "" {
		return nil, errors.New("either GITHUB_TOKEN or GITHUB_APP_ID plus GITHUB_PRIVATE_KEY_PATH must be set")
	}

	return &cfg, nil
}
