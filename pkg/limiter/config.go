package limiter

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
)

// Config is the process-wide setup: where Redis is and the defaults applied
// to limiters built through a Connection.
type Config struct {
	// RedisURL, when set, takes precedence over Host, Port, DB and Password.
	RedisURL string `yaml:"redis_url" mapstructure:"redis_url" validate:"omitempty,startswith=redis"`
	Host     string `yaml:"host" mapstructure:"host" validate:"required_without=RedisURL"`
	Port     int    `yaml:"port" mapstructure:"port" validate:"min=1,max=65535"`
	DB       int    `yaml:"db" mapstructure:"db" validate:"min=0"`
	Password string `yaml:"password" mapstructure:"password"`

	Timeout        time.Duration `yaml:"timeout" mapstructure:"timeout" validate:"gte=0"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout" validate:"gte=0"`
	ReadTimeout    time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" validate:"gte=0"`
	TLS            bool          `yaml:"tls" mapstructure:"tls"`

	// PoolSize must exceed the number of callers expected to block on a
	// semaphore at the same time.
	PoolSize    int           `yaml:"pool_size" mapstructure:"pool_size" validate:"min=1"`
	PoolTimeout time.Duration `yaml:"pool_timeout" mapstructure:"pool_timeout" validate:"gte=0"`

	Namespace          string        `yaml:"namespace" mapstructure:"namespace" validate:"required,excludes=:"`
	DefaultWaitTimeout time.Duration `yaml:"default_wait_timeout" mapstructure:"default_wait_timeout" validate:"gte=0"`
	DefaultLockTimeout time.Duration `yaml:"default_lock_timeout" mapstructure:"default_lock_timeout" validate:"gt=0"`
	DefaultTTL         time.Duration `yaml:"default_ttl" mapstructure:"default_ttl" validate:"gt=0"`
	DefaultPolicy      string        `yaml:"default_policy" mapstructure:"default_policy" validate:"omitempty,oneof=raise ignore"`
}

func DefaultConfig() Config {
	return Config{
		Host:               "localhost",
		Port:               6379,
		Timeout:            DefaultTimeout,
		PoolSize:           5,
		PoolTimeout:        5 * time.Second,
		Namespace:          DefaultNamespace,
		DefaultWaitTimeout: DefaultWaitTimeout,
		DefaultLockTimeout: DefaultLockTimeout,
		DefaultTTL:         DefaultTTL,
		DefaultPolicy:      PolicyRaise.String(),
	}
}

func (c Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, e := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", e.Namespace(), e.Tag()+paramSuffix(e.Param())))
			}
			return fmt.Errorf("redline: invalid config: %s", strings.Join(msgs, "; "))
		}
		return err
	}
	return nil
}

func paramSuffix(p string) string {
	if p == "" {
		return ""
	}
	return "=" + p
}

// RedisOptions translates c into go-redis client options.
func (c Config) RedisOptions() (*redis.Options, error) {
	var opt *redis.Options
	if c.RedisURL != "" {
		parsed, err := redis.ParseURL(c.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redline: invalid redis url: %w", err)
		}
		opt = parsed
	} else {
		opt = &redis.Options{
			Addr:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
			DB:       c.DB,
			Password: c.Password,
		}
	}

	// Per-operation timeouts and wait deadlines travel on the context.
	opt.ContextTimeoutEnabled = true

	if c.TLS && opt.TLSConfig == nil {
		host := c.Host
		if h, _, err := net.SplitHostPort(opt.Addr); err == nil {
			host = h
		}
		opt.TLSConfig = &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
	}
	if c.ConnectTimeout > 0 {
		opt.DialTimeout = c.ConnectTimeout
	}
	if c.ReadTimeout > 0 {
		opt.ReadTimeout = c.ReadTimeout
	}
	if c.PoolSize > 0 {
		opt.PoolSize = c.PoolSize
	}
	if c.PoolTimeout > 0 {
		opt.PoolTimeout = c.PoolTimeout
	}
	return opt, nil
}

// Options turns the limiter defaults into Options. An unknown policy is
// reported by Validate, so it is ignored here.
func (c Config) Options() []Option {
	opts := []Option{
		WithNamespace(c.Namespace),
		WithTimeout(c.Timeout),
		WithWaitTimeout(c.DefaultWaitTimeout),
		WithLockTimeout(c.DefaultLockTimeout),
		WithTTL(c.DefaultTTL),
	}
	if p, err := ParsePolicy(c.DefaultPolicy); err == nil {
		opts = append(opts, WithPolicy(p))
	}
	return opts
}
