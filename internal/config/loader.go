// Package config loads limiter.Config from a YAML file and REDLINE_
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/manenim/redline/pkg/limiter"
)

// EnvPrefix prefixes every environment override, e.g. REDLINE_REDIS_URL.
const EnvPrefix = "REDLINE"

// New builds a viper instance with every limiter.Config key defaulted, so
// environment variables apply even when no file sets the key.
//
// If configFile is empty, redline.yaml/.yml is searched for in the current
// directory and $HOME/.redline.
func New(configFile string) *viper.Viper {
	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		v.SetConfigFile(found)
	} else {
		v.SetConfigName("redline")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	d := limiter.DefaultConfig()
	v.SetDefault("redis_url", d.RedisURL)
	v.SetDefault("host", d.Host)
	v.SetDefault("port", d.Port)
	v.SetDefault("db", d.DB)
	v.SetDefault("password", d.Password)
	v.SetDefault("timeout", d.Timeout)
	v.SetDefault("connect_timeout", d.ConnectTimeout)
	v.SetDefault("read_timeout", d.ReadTimeout)
	v.SetDefault("tls", d.TLS)
	v.SetDefault("pool_size", d.PoolSize)
	v.SetDefault("pool_timeout", d.PoolTimeout)
	v.SetDefault("namespace", d.Namespace)
	v.SetDefault("default_wait_timeout", d.DefaultWaitTimeout)
	v.SetDefault("default_lock_timeout", d.DefaultLockTimeout)
	v.SetDefault("default_ttl", d.DefaultTTL)
	v.SetDefault("default_policy", d.DefaultPolicy)
	return v
}

func findConfigFile() string {
	home, _ := os.UserHomeDir()
	for _, dir := range []string{".", filepath.Join(home, ".redline")} {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "redline"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// Load reads the configuration, applies environment overrides and validates
// the result. A missing config file is not an error.
func Load(v *viper.Viper) (limiter.Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return limiter.Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg limiter.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return limiter.Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return limiter.Config{}, err
	}
	return cfg, nil
}
