package limiter

import (
	"context"
	"embed"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Store is the shared key-value store every limiter decision is made in.
//
// Eval runs one named atomic operation. Implementations must linearize it
// against every other Eval touching the same keys, and must return the same
// reply shape for the same Script: a flat slice of int64 and decimal strings.
type Store interface {
	Eval(ctx context.Context, script *Script, keys []string, args ...interface{}) ([]interface{}, error)

	// Get returns ok == false when key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HLen(ctx context.Context, key string) (int64, error)
	// HIncrBy and HIncrByFloat refresh the key TTL after incrementing.
	HIncrBy(ctx context.Context, key, field string, incr int64, ttl time.Duration) error
	HIncrByFloat(ctx context.Context, key, field string, incr float64, ttl time.Duration) error
	// ZPrune removes sorted-set members scored strictly below min and
	// returns the remaining cardinality.
	ZPrune(ctx context.Context, key string, min float64) (int64, error)
	// BLPop pops the head of a list, waiting up to timeout for one to
	// appear. ok is false when the timeout passed.
	BLPop(ctx context.Context, key string, timeout time.Duration) (value string, ok bool, err error)
}

//go:embed lua/*.lua
var luaScripts embed.FS

// Script is a named atomic operation. RedisStore runs its Lua source;
// MemoryStore dispatches on its name.
type Script struct {
	name string
	src  string
}

func (s *Script) Name() string   { return s.name }
func (s *Script) Source() string { return s.src }

func mustScript(name string) *Script {
	src, err := luaScripts.ReadFile("lua/" + name + ".lua")
	if err != nil {
		panic(fmt.Sprintf("redline: missing embedded script %s: %v", name, err))
	}
	return &Script{name: name, src: string(src)}
}

var (
	fixedWindowScript      = mustScript("fixed_window")
	slidingWindowScript    = mustScript("sliding_window")
	leakyBucketScript      = mustScript("leaky_bucket")
	pointsCheckScript      = mustScript("points_check")
	pointsAdjustScript     = mustScript("points_adjust")
	semaphoreInitScript    = mustScript("semaphore_init")
	semaphoreAcquireScript = mustScript("semaphore_acquire")
	semaphoreReleaseScript = mustScript("semaphore_release")
	semaphoreReclaimScript = mustScript("semaphore_reclaim")
)

// Scripts lists every operation limiters may run, for preloading.
func Scripts() []*Script {
	return []*Script{
		fixedWindowScript,
		slidingWindowScript,
		leakyBucketScript,
		pointsCheckScript,
		pointsAdjustScript,
		semaphoreInitScript,
		semaphoreAcquireScript,
		semaphoreReleaseScript,
		semaphoreReclaimScript,
	}
}

func convertToFloat(val interface{}) float64 {
	switch v := val.(type) {
	case int64:
		return float64(v)
	case int:
		return float64(v)
	case float64:
		return v
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	default:
		return 0
	}
}

// triple decodes the {current, granted, wait_seconds} reply every admission
// operation returns.
func triple(script *Script, reply []interface{}) (Outcome, error) {
	if len(reply) != 3 {
		return Outcome{}, fmt.Errorf("redline: invalid %s response: %d values", script.name, len(reply))
	}
	return Outcome{
		Current:    convertToFloat(reply[0]),
		Granted:    convertToFloat(reply[1]) == 1,
		RetryAfter: seconds(convertToFloat(reply[2])),
	}, nil
}

func single(script *Script, reply []interface{}) (float64, error) {
	if len(reply) != 1 {
		return 0, fmt.Errorf("redline: invalid %s response: %d values", script.name, len(reply))
	}
	return convertToFloat(reply[0]), nil
}

func seconds(s float64) time.Duration {
	if s <= 0 || math.IsNaN(s) || math.IsInf(s, 0) {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}

// unixSeconds is the timestamp format passed to every operation.
func unixSeconds(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

func formatSeconds(f float64) string {
	return strconv.FormatFloat(f, 'f', 6, 64)
}

func millis(d time.Duration) int64 {
	ms := d.Milliseconds()
	if d%time.Millisecond != 0 {
		ms++
	}
	if ms < 1 {
		ms = 1
	}
	return ms
}
