// Package cache はプロセス内で完結する有効期限付きキャッシュを提供する。
//
// 値はJSONにエンコードして保持するため、Getで取り出した値を呼び出し側が
// 変更してもキャッシュ内の値には影響しない。プロセス間では共有されない。
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrCorrupt は保持している値を指定された型にデコードできなかった場合に返される。
var ErrCorrupt = errors.New("cache entry is corrupt")

type entry struct {
	data      []byte
	expiresAt time.Time
}

// Cache はキーごとに有効期限を持つインメモリキャッシュ。
// 期限切れエントリは読み出し時に削除する。StartSweeperで定期削除も行える。
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// Option はCacheの生成オプション。
type Option func(*Cache)

// WithClock は有効期限判定に使う時刻関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New は空のCacheを生成する。
func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]entry),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Set は値をttlの間保持する。ttlが0以下の場合は即時に期限切れとなる。
func (c *Cache) Set(key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache value for %q: %w", key, err)
	}

	c.mu.Lock()
	c.entries[key] = entry{data: data, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

// Get はキーに対応する値をdstにデコードする。
// 未登録または期限切れの場合はfalseを返し、期限切れエントリは削除する。
// デコードに失敗したエントリは削除し、ErrCorruptを返す。
func (c *Cache) Get(key string, dst any) (bool, error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		ok = false
	}
	c.mu.Unlock()

	if !ok {
		return false, nil
	}

	if err := json.Unmarshal(e.data, dst); err != nil {
		c.Delete(key)
		return false, fmt.Errorf("%w: key %q: %v", ErrCorrupt, key, err)
	}
	return true, nil
}

// Delete はキーを削除し、削除したエントリが存在したかを返す。
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	delete(c.entries, key)
	return ok
}

// ClearMatching はpatternを含むキーをすべて削除し、削除件数を返す。
// pattern中の"*"は取り除いてから部分一致で判定する。
func (c *Cache) ClearMatching(pattern string) int {
	needle := strings.ReplaceAll(pattern, "*", "")

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.entries {
		if strings.Contains(key, needle) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Len は保持しているエントリ数を返す。期限切れで未削除のエントリも含む。
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep は期限切れエントリをすべて削除し、削除件数を返す。
func (c *Cache) Sweep() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// StartSweeper はintervalごとにSweepを実行するバックグラウンドゴルーチンを開始する。
// intervalが0以下の場合は何もしない。停止にはStopを呼ぶ。
func (c *Cache) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.Sweep()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop はStartSweeperで開始したゴルーチンを停止する。複数回呼んでもよい。
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}
