package limiter

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type entry struct {
	str       string
	hash      map[string]string
	list      []string
	zset      map[string]float64
	expiresAt time.Time
}

// MemoryStore is an in-process Store. Every operation runs under one mutex,
// which gives the same linearization Redis gives its scripts.
//
// It is safe for concurrent use by multiple goroutines, but its state is local
// to the process and is not shared across replicas. Use RedisStore when you
// need a single global limit across multiple instances.
type MemoryStore struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	entries map[string]*entry
	waiters map[string]chan struct{}
}

// NewMemoryStore constructs a MemoryStore with empty state. Key expiry is
// judged against the clock from WithClock.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := newOptions(opts)
	return &MemoryStore{
		clock:   o.clock,
		entries: make(map[string]*entry),
		waiters: make(map[string]chan struct{}),
	}
}

// lookup returns the live entry for key, dropping it if expired. Callers hold mu.
func (m *MemoryStore) lookup(key string) *entry {
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !m.clock.Now().Before(e.expiresAt) {
		delete(m.entries, key)
		return nil
	}
	return e
}

func (m *MemoryStore) upsert(key string) *entry {
	if e := m.lookup(key); e != nil {
		return e
	}
	e := &entry{}
	m.entries[key] = e
	return e
}

func (m *MemoryStore) expire(key string, ms int64) {
	if e := m.lookup(key); e != nil {
		e.expiresAt = m.clock.Now().Add(time.Duration(ms) * time.Millisecond)
	}
}

// dropEmpty mirrors Redis deleting empty containers.
func (m *MemoryStore) dropEmpty(key string) {
	e := m.lookup(key)
	if e == nil {
		return
	}
	if e.str == "" && len(e.hash) == 0 && len(e.list) == 0 && len(e.zset) == 0 {
		delete(m.entries, key)
	}
}

func (m *MemoryStore) hset(key, field, value string) {
	e := m.upsert(key)
	if e.hash == nil {
		e.hash = make(map[string]string)
	}
	e.hash[field] = value
}

func (m *MemoryStore) hget(key, field string) (string, bool) {
	e := m.lookup(key)
	if e == nil {
		return "", false
	}
	v, ok := e.hash[field]
	return v, ok
}

func (m *MemoryStore) hdel(key, field string) bool {
	e := m.lookup(key)
	if e == nil {
		return false
	}
	if _, ok := e.hash[field]; !ok {
		return false
	}
	delete(e.hash, field)
	m.dropEmpty(key)
	return true
}

func (m *MemoryStore) hincr(key, field string, incr float64) {
	cur, _ := m.hget(key, field)
	v := convertToFloat(cur) + incr
	m.hset(key, field, strconv.FormatFloat(v, 'f', -1, 64))
}

func (m *MemoryStore) rpush(key, value string) {
	e := m.upsert(key)
	e.list = append(e.list, value)
	if ch, ok := m.waiters[key]; ok {
		close(ch)
		delete(m.waiters, key)
	}
}

func (m *MemoryStore) lpop(key string) (string, bool) {
	e := m.lookup(key)
	if e == nil || len(e.list) == 0 {
		return "", false
	}
	v := e.list[0]
	e.list = e.list[1:]
	m.dropEmpty(key)
	return v, true
}

func (m *MemoryStore) zprune(key string, min float64) int64 {
	e := m.lookup(key)
	if e == nil {
		return 0
	}
	for member, score := range e.zset {
		if score < min {
			delete(e.zset, member)
		}
	}
	m.dropEmpty(key)
	return int64(len(e.zset))
}

func (m *MemoryStore) Eval(ctx context.Context, script *Script, keys []string, args ...interface{}) ([]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	op, ok := memoryOps[script.name]
	if !ok {
		return nil, fmt.Errorf("redline: memory store has no operation %q", script.name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return op(m, keys, args), nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.lookup(key)
	if e == nil || e.str == "" {
		return "", false, nil
	}
	return e.str, true, nil
}

func (m *MemoryStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]string)
	if e := m.lookup(key); e != nil {
		for k, v := range e.hash {
			out[k] = v
		}
	}
	return out, nil
}

func (m *MemoryStore) HLen(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if e := m.lookup(key); e != nil {
		return int64(len(e.hash)), nil
	}
	return 0, nil
}

func (m *MemoryStore) HIncrBy(ctx context.Context, key, field string, incr int64, ttl time.Duration) error {
	return m.HIncrByFloat(ctx, key, field, float64(incr), ttl)
}

func (m *MemoryStore) HIncrByFloat(ctx context.Context, key, field string, incr float64, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.hincr(key, field, incr)
	m.expire(key, millis(ttl))
	return nil
}

func (m *MemoryStore) ZPrune(ctx context.Context, key string, min float64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.zprune(key, min), nil
}

// BLPop waits on a channel that the next push to key closes. The timeout is
// measured on the real clock, the same way Redis measures it.
func (m *MemoryStore) BLPop(ctx context.Context, key string, timeout time.Duration) (string, bool, error) {
	if timeout <= 0 {
		return "", false, nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		m.mu.Lock()
		if v, ok := m.lpop(key); ok {
			m.mu.Unlock()
			return v, true, nil
		}
		ch, ok := m.waiters[key]
		if !ok {
			ch = make(chan struct{})
			m.waiters[key] = ch
		}
		m.mu.Unlock()

		select {
		case <-ch:
		case <-timer.C:
			return "", false, nil
		case <-ctx.Done():
			return "", false, ctx.Err()
		}
	}
}

type memoryOp func(m *MemoryStore, keys []string, args []interface{}) []interface{}

// memoryOps are the native versions of the Lua operations in lua/. Each one
// keeps the argument order and reply shape of its script.
var memoryOps = map[string]memoryOp{
	fixedWindowScript.name:      memFixedWindow,
	slidingWindowScript.name:    memSlidingWindow,
	leakyBucketScript.name:      memLeakyBucket,
	pointsCheckScript.name:      memPointsCheck,
	pointsAdjustScript.name:     memPointsAdjust,
	semaphoreInitScript.name:    memSemaphoreInit,
	semaphoreAcquireScript.name: memSemaphoreAcquire,
	semaphoreReleaseScript.name: memSemaphoreRelease,
	semaphoreReclaimScript.name: memSemaphoreReclaim,
}

func argFloat(args []interface{}, i int) float64 { return convertToFloat(args[i]) }

func argInt(args []interface{}, i int) int64 { return int64(convertToFloat(args[i])) }

func argString(args []interface{}, i int) string {
	switch v := args[i].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func memFixedWindow(m *MemoryStore, keys []string, args []interface{}) []interface{} {
	limit, ttl := argInt(args, 0), argInt(args, 1)
	e := m.upsert(keys[0])
	count, _ := strconv.ParseInt(e.str, 10, 64)
	count++
	e.str = strconv.FormatInt(count, 10)

	if count <= limit {
		m.expire(keys[0], ttl)
		return []interface{}{count, int64(1), "0"}
	}
	if e.expiresAt.IsZero() {
		m.expire(keys[0], ttl)
	}
	remaining := e.expiresAt.Sub(m.clock.Now()).Seconds()
	return []interface{}{count, int64(0), formatSeconds(remaining)}
}

func memSlidingWindow(m *MemoryStore, keys []string, args []interface{}) []interface{} {
	now, interval, limit := argFloat(args, 0), argFloat(args, 1), argInt(args, 2)
	member, ttl := argString(args, 3), argInt(args, 4)

	count := m.zprune(keys[0], now-interval)
	if count < limit {
		e := m.upsert(keys[0])
		if e.zset == nil {
			e.zset = make(map[string]float64)
		}
		e.zset[member] = now
		m.expire(keys[0], ttl)
		return []interface{}{count, int64(1), "0"}
	}

	e := m.lookup(keys[0])
	scores := make([]float64, 0, len(e.zset))
	for _, s := range e.zset {
		scores = append(scores, s)
	}
	sort.Float64s(scores)
	wait := math.Max(0, scores[0]+interval-now)
	return []interface{}{count, int64(0), formatSeconds(wait)}
}

func memLeakyBucket(m *MemoryStore, keys []string, args []interface{}) []interface{} {
	now, size, rate, ttl := argFloat(args, 0), argFloat(args, 1), argFloat(args, 2), argInt(args, 3)

	level := 0.0
	if v, ok := m.hget(keys[0], "level"); ok {
		level = convertToFloat(v)
	}
	last := now
	if v, ok := m.hget(keys[0], "last_drip"); ok {
		last = convertToFloat(v)
	}
	level = math.Max(0, level-math.Max(0, now-last)*rate)

	if level+1 <= size {
		m.hset(keys[0], "level", formatSeconds(level+1))
		m.hset(keys[0], "last_drip", argString(args, 0))
		m.expire(keys[0], ttl)
		return []interface{}{formatSeconds(level), int64(1), "0"}
	}
	return []interface{}{formatSeconds(level), int64(0), formatSeconds((level + 1 - size) / rate)}
}

func memPointsCheck(m *MemoryStore, keys []string, args []interface{}) []interface{} {
	now, capacity, rate := argFloat(args, 0), argFloat(args, 1), argFloat(args, 2)
	estimate, ttl := argFloat(args, 3), argInt(args, 4)

	points := capacity
	if v, ok := m.hget(keys[0], "points"); ok {
		points = convertToFloat(v)
	}
	last := now
	if v, ok := m.hget(keys[0], "last_refill"); ok {
		last = convertToFloat(v)
	}
	available := math.Min(capacity, points+math.Max(0, now-last)*rate)

	if available >= estimate {
		m.hset(keys[0], "points", formatSeconds(available-estimate))
		m.hset(keys[0], "last_refill", argString(args, 0))
		m.expire(keys[0], ttl)
		return []interface{}{formatSeconds(available), int64(1), "0"}
	}
	wait := -1.0
	if rate > 0 {
		wait = (estimate - available) / rate
	}
	return []interface{}{formatSeconds(available), int64(0), formatSeconds(wait)}
}

func memPointsAdjust(m *MemoryStore, keys []string, args []interface{}) []interface{} {
	delta, capacity, ttl := argFloat(args, 0), argFloat(args, 1), argInt(args, 2)

	points := capacity
	if v, ok := m.hget(keys[0], "points"); ok {
		points = convertToFloat(v)
	}
	points = math.Min(capacity, math.Max(0, points+delta))
	m.hset(keys[0], "points", formatSeconds(points))
	m.expire(keys[0], ttl)
	return []interface{}{formatSeconds(points)}
}

func (m *MemoryStore) ltrimTail(key string, n int64) {
	e := m.lookup(key)
	if e == nil || int64(len(e.list)) <= n {
		return
	}
	e.list = e.list[int64(len(e.list))-n:]
	m.dropEmpty(key)
}

// wake pushes a signal for blocked acquirers, keeping at most limit of them.
func (m *MemoryStore) wake(key string, limit, ttl int64) {
	m.rpush(key, "1")
	m.ltrimTail(key, limit)
	m.expire(key, ttl)
}

func memSemaphoreInit(m *MemoryStore, keys []string, args []interface{}) []interface{} {
	limit, ttl := argInt(args, 0), argInt(args, 1)
	var total int64
	if e := m.lookup(keys[0]); e != nil {
		total += int64(len(e.list))
	}
	if e := m.lookup(keys[1]); e != nil {
		total += int64(len(e.hash))
	}
	missing := limit - total
	if missing <= 0 {
		return []interface{}{int64(0)}
	}
	for i := int64(0); i < missing; i++ {
		m.rpush(keys[0], "1")
		m.wake(keys[2], limit, ttl)
	}
	m.expire(keys[0], ttl)
	return []interface{}{missing}
}

func memSemaphoreAcquire(m *MemoryStore, keys []string, args []interface{}) []interface{} {
	lockID, now, ttl, waited := argString(args, 0), argString(args, 1), argInt(args, 2), argFloat(args, 3)
	if _, ok := m.lpop(keys[0]); !ok {
		return []interface{}{int64(0)}
	}
	m.hset(keys[1], lockID, now)
	m.expire(keys[1], ttl)
	if waited < 0 {
		m.hincr(keys[2], "immediate", 1)
	} else {
		m.hincr(keys[2], "wait_time", waited)
	}
	m.hincr(keys[2], "held", 1)
	m.expire(keys[2], ttl)
	return []interface{}{int64(1)}
}

func memSemaphoreRelease(m *MemoryStore, keys []string, args []interface{}) []interface{} {
	lockID, ttl, limit := argString(args, 0), argInt(args, 1), argInt(args, 2)
	if !m.hdel(keys[1], lockID) {
		return []interface{}{int64(0)}
	}
	m.rpush(keys[0], "1")
	m.expire(keys[0], ttl)
	m.wake(keys[2], limit, ttl)
	return []interface{}{int64(1)}
}

func memSemaphoreReclaim(m *MemoryStore, keys []string, args []interface{}) []interface{} {
	now, timeout, ttl, limit := argFloat(args, 0), argFloat(args, 1), argInt(args, 2), argInt(args, 3)

	var expired []string
	if e := m.lookup(keys[1]); e != nil {
		for lockID, acquired := range e.hash {
			at, err := strconv.ParseFloat(acquired, 64)
			if err != nil || now-at > timeout {
				expired = append(expired, lockID)
			}
		}
	}
	for _, lockID := range expired {
		m.hdel(keys[1], lockID)
		m.rpush(keys[0], "1")
		m.wake(keys[3], limit, ttl)
	}
	if n := int64(len(expired)); n > 0 {
		m.expire(keys[0], ttl)
		m.hincr(keys[2], "reclaimed", float64(n))
		m.expire(keys[2], ttl)
	}
	return []interface{}{int64(len(expired))}
}

// Compile-time interface verification.
var _ Store = (*MemoryStore)(nil)
