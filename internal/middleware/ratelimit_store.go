package middleware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimitStore は固定ウィンドウのカウンターを保持する。
type RateLimitStore interface {
	// Increment はキーのカウンターを1増やし、増加後の値とウィンドウのリセット時刻を返す。
	// ウィンドウが存在しないか経過済みの場合は新しいウィンドウを開始する。
	Increment(ctx context.Context, key string, window time.Duration) (count int, resetAt time.Time, err error)
	// Decrement はキーのカウンターを1減らす。0未満にはしない。
	Decrement(ctx context.Context, key string) error
}

// windowCounter は1キー分の固定ウィンドウ。
type windowCounter struct {
	count   int
	resetAt time.Time
}

// MemoryStore はプロセス内のmapで固定ウィンドウを管理する。
// 複数インスタンス間でカウンターは共有されない。
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*windowCounter
	now      func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewMemoryStore は新しいMemoryStoreを生成する。
// cleanupIntervalが正の場合、バックグラウンドでリセット済みエントリのクリーンアップを開始する。
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	s := &MemoryStore{
		counters: make(map[string]*windowCounter),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go s.cleanupLoop(cleanupInterval)
	}
	return s
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。複数回呼んでもよい。
func (s *MemoryStore) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Increment はRateLimitStoreを実装する。
func (s *MemoryStore) Increment(_ context.Context, key string, window time.Duration) (int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c, ok := s.counters[key]
	if !ok || !now.Before(c.resetAt) {
		c = &windowCounter{resetAt: now.Add(window)}
		s.counters[key] = c
	}
	c.count++
	return c.count, c.resetAt, nil
}

// Decrement はRateLimitStoreを実装する。
func (s *MemoryStore) Decrement(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.counters[key]; ok && c.count > 0 {
		c.count--
	}
	return nil
}

// Len は管理中のキー数を返す。テスト用。
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counters)
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (s *MemoryStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCh:
			return
		}
	}
}

// cleanup はウィンドウが経過したエントリを削除する。
func (s *MemoryStore) cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, c := range s.counters {
		if !now.Before(c.resetAt) {
			delete(s.counters, key)
			removed++
		}
	}
	return removed
}

// decrementScript は0より大きい場合のみDECRする。キーのTTLは維持される。
var decrementScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v and tonumber(v) > 0 then
	return redis.call("DECR", KEYS[1])
end
return 0
`)

// RedisStore はRedisのINCRとPEXPIREで固定ウィンドウを管理する。
// 複数インスタンスでカウンターを共有できる。
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore はRedisStoreを生成する。キーにはprefixを前置する。
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "rl:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Increment はRateLimitStoreを実装する。
// 最初のINCRでウィンドウ長のTTLを設定し、以降はTTLからリセット時刻を求める。
func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	k := s.prefix + key

	count, err := s.client.Incr(ctx, k).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("rate limit incr: %w", err)
	}

	ttl, err := s.client.PTTL(ctx, k).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("rate limit pttl: %w", err)
	}
	// count == 1 で新しいウィンドウ、TTLなし（-1）は前回PEXPIREに失敗したキー
	if count == 1 || ttl < 0 {
		if err := s.client.PExpire(ctx, k, window).Err(); err != nil {
			return 0, time.Time{}, fmt.Errorf("rate limit pexpire: %w", err)
		}
		ttl = window
	}

	return int(count), time.Now().Add(ttl), nil
}

// Decrement はRateLimitStoreを実装する。
func (s *RedisStore) Decrement(ctx context.Context, key string) error {
	if err := decrementScript.Run(ctx, s.client, []string{s.prefix + key}).Err(); err != nil {
		return fmt.Errorf("rate limit decrement: %w", err)
	}
	return nil
}

// compile-time interface check
var (
	_ RateLimitStore = (*MemoryStore)(nil)
	_ RateLimitStore = (*RedisStore)(nil)
)
