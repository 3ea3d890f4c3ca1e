package limiter

import (
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Connection is the per-process application context: one Redis pool, one
// RedisStore and the configured defaults. Limiters built from it accept
// further options that override those defaults.
type Connection struct {
	client *redis.Client
	store  *RedisStore
	opts   []Option
}

// Connect validates cfg, dials Redis and loads the limiter scripts. opts are
// applied after the configured defaults.
func Connect(cfg Config, opts ...Option) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ropts, err := cfg.RedisOptions()
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(ropts)

	all := append(cfg.Options(), opts...)
	store, err := NewRedisStore(client, all...)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Connection{client: client, store: store, opts: all}, nil
}

func (c *Connection) Store() *RedisStore { return c.store }

func (c *Connection) Client() *redis.Client { return c.client }

func (c *Connection) with(opts []Option) []Option {
	return append(append([]Option{}, c.opts...), opts...)
}

func (c *Connection) FixedWindow(name string, limit int64, interval Interval, opts ...Option) (*FixedWindow, error) {
	return NewFixedWindow(c.store, name, limit, interval, c.with(opts)...)
}

func (c *Connection) SlidingWindow(name string, limit int64, interval Interval, opts ...Option) (*SlidingWindow, error) {
	return NewSlidingWindow(c.store, name, limit, interval, c.with(opts)...)
}

func (c *Connection) LeakyBucket(name string, size int64, drain Interval, opts ...Option) (*LeakyBucket, error) {
	return NewLeakyBucket(c.store, name, size, drain, c.with(opts)...)
}

func (c *Connection) Points(name string, capacity int64, refillRate float64, opts ...Option) (*Points, error) {
	return NewPoints(c.store, name, capacity, refillRate, c.with(opts)...)
}

func (c *Connection) Semaphore(name string, limit int64, opts ...Option) (*Semaphore, error) {
	return NewSemaphore(c.store, name, limit, c.with(opts)...)
}

// Close releases the pool. Limiters built from c fail afterwards.
func (c *Connection) Close() error {
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("redline: close: %w", err)
	}
	return nil
}
