package limiter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore runs limiter operations against Redis. Operations are Lua
// scripts called by SHA; the SHAs are loaded once and reloaded when Redis
// forgets them.
type RedisStore struct {
	client *redis.Client
	opts   options

	mu   sync.RWMutex
	shas map[string]string
}

// NewRedisStore pings Redis and loads every limiter script.
//
// The client should be built with ContextTimeoutEnabled set, otherwise
// go-redis ignores context deadlines on reads and the per-operation timeout
// only bounds writes. Config.RedisOptions sets it.
func NewRedisStore(client *redis.Client, opts ...Option) (*RedisStore, error) {
	o := newOptions(opts)

	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, wrapRedisErr(ctx, "ping", err)
	}

	s := &RedisStore{
		client: client,
		opts:   o,
		shas:   make(map[string]string),
	}
	for _, script := range Scripts() {
		if _, err := s.load(ctx, script); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Client exposes the underlying go-redis client.
func (s *RedisStore) Client() *redis.Client { return s.client }

func (s *RedisStore) load(ctx context.Context, script *Script) (string, error) {
	sha, err := s.client.ScriptLoad(ctx, script.src).Result()
	if err != nil {
		return "", wrapRedisErr(ctx, "script load "+script.name, err)
	}
	s.mu.Lock()
	s.shas[script.name] = sha
	s.mu.Unlock()
	return sha, nil
}

func (s *RedisStore) sha(ctx context.Context, script *Script) (string, error) {
	s.mu.RLock()
	sha, ok := s.shas[script.name]
	s.mu.RUnlock()
	if ok {
		return sha, nil
	}
	return s.load(ctx, script)
}

func (s *RedisStore) Eval(ctx context.Context, script *Script, keys []string, args ...interface{}) ([]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	tags := map[string]string{"op": script.name}
	start := time.Now()
	defer func() {
		s.opts.recorder.Add(MetricCall, 1, tags)
		s.opts.recorder.Observe(MetricLatency, time.Since(start).Seconds(), tags)
	}()

	sha, err := s.sha(ctx, script)
	if err != nil {
		return nil, err
	}

	result, err := s.client.EvalSha(ctx, sha, keys, args...).Result()
	if err != nil && redis.HasErrorPrefix(err, "NOSCRIPT") {
		s.opts.logger.Warn("script missing from redis, reloading", zap.String("script", script.name))
		if sha, err = s.load(ctx, script); err != nil {
			return nil, err
		}
		result, err = s.client.EvalSha(ctx, sha, keys, args...).Result()
	}
	if err != nil {
		return nil, wrapRedisErr(ctx, "evalsha "+script.name, err)
	}

	values, ok := result.([]interface{})
	if !ok {
		return nil, fmt.Errorf("redline: invalid %s response: %T", script.name, result)
	}
	return values, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapRedisErr(ctx, "get", err)
	}
	return v, true, nil
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	m, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrapRedisErr(ctx, "hgetall", err)
	}
	return m, nil
}

func (s *RedisStore) HLen(ctx context.Context, key string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	n, err := s.client.HLen(ctx, key).Result()
	if err != nil {
		return 0, wrapRedisErr(ctx, "hlen", err)
	}
	return n, nil
}

func (s *RedisStore) HIncrBy(ctx context.Context, key, field string, incr int64, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, field, incr)
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	return wrapRedisErr(ctx, "hincrby", err)
}

func (s *RedisStore) HIncrByFloat(ctx context.Context, key, field string, incr float64, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrByFloat(ctx, key, field, incr)
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	return wrapRedisErr(ctx, "hincrbyfloat", err)
}

func (s *RedisStore) ZPrune(ctx context.Context, key string, min float64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var card *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+formatSeconds(min))
		card = pipe.ZCard(ctx, key)
		return nil
	})
	if err != nil {
		return 0, wrapRedisErr(ctx, "zprune", err)
	}
	return card.Val(), nil
}

// BLPop sends the timeout to Redis with sub-second precision and lets the
// server decide when to give up. The client read deadline is stretched past
// it so a slow reply cannot strand a popped element.
//
// go-redis does not interrupt a socket read when ctx is cancelled, so the
// command runs detached and BLPop returns as soon as ctx ends. An element
// the abandoned command pops afterwards is pushed back.
func (s *RedisStore) BLPop(ctx context.Context, key string, timeout time.Duration) (string, bool, error) {
	if timeout <= 0 {
		return "", false, nil
	}
	if err := ctx.Err(); err != nil {
		return "", false, wrapRedisErr(ctx, "blpop", err)
	}

	type popped struct {
		values []string
		err    error
	}
	done := make(chan popped, 1)
	go func() {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout+s.opts.timeout)
		defer cancel()
		cmd := redis.NewStringSliceCmd(pctx, "blpop", key, strconv.FormatFloat(timeout.Seconds(), 'f', -1, 64))
		err := s.client.WithTimeout(timeout+s.opts.timeout).Process(pctx, cmd)
		done <- popped{values: cmd.Val(), err: wrapRedisErr(pctx, "blpop", err)}
	}()

	select {
	case r := <-done:
		if errors.Is(r.err, redis.Nil) {
			return "", false, nil
		}
		if r.err != nil {
			return "", false, r.err
		}
		if len(r.values) != 2 {
			return "", false, fmt.Errorf("redline: invalid blpop response: %d values", len(r.values))
		}
		return r.values[1], true, nil
	case <-ctx.Done():
		go func() {
			r := <-done
			if r.err == nil && len(r.values) == 2 {
				s.requeue(context.WithoutCancel(ctx), key, r.values[1])
			}
		}()
		return "", false, wrapRedisErr(ctx, "blpop", ctx.Err())
	}
}

func (s *RedisStore) requeue(ctx context.Context, key, value string) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, value)
		pipe.PExpire(ctx, key, s.opts.ttl)
		return nil
	})
	if err != nil {
		s.opts.logger.Warn("failed to requeue popped element",
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

// wrapRedisErr marks transport failures as *ConnectionError. Replies Redis
// sent back on purpose pass through unchanged. When ctx ended, its error is
// the cause rather than the read timeout it triggered.
func wrapRedisErr(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	var replyErr redis.Error
	if errors.As(err, &replyErr) {
		return err
	}
	if cerr := ctx.Err(); cerr != nil {
		err = cerr
	}
	return &ConnectionError{Op: op, Err: err}
}

// Compile-time interface verification.
var _ Store = (*RedisStore)(nil)
