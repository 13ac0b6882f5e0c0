package cache

import (
	"time"

	"github.com/hitoshi/authstarter/internal/model"
)

// DefaultIdentityTTL は認証済みユーザー情報をキャッシュする既定の期間。
const DefaultIdentityTTL = time.Hour

// キャッシュ参照結果のラベル。
const (
	ResultHit   = "hit"
	ResultMiss  = "miss"
	ResultError = "error"
)

// LookupRecorder はキャッシュ参照結果を記録するインターフェース。
type LookupRecorder interface {
	RecordCacheLookup(result string)
}

// IdentityCache はユーザーIDをキーにCachedIdentityを保持する。
// プロフィール変更時の無効化は行わず、更新はTTL経過まで反映されない。
type IdentityCache struct {
	cache    *Cache
	ttl      time.Duration
	recorder LookupRecorder
}

// NewIdentityCache はIdentityCacheを生成する。ttlが0以下の場合はDefaultIdentityTTLを使う。
// recorderはnilでもよい。
func NewIdentityCache(c *Cache, ttl time.Duration, recorder LookupRecorder) *IdentityCache {
	if ttl <= 0 {
		ttl = DefaultIdentityTTL
	}
	return &IdentityCache{cache: c, ttl: ttl, recorder: recorder}
}

// IdentityKey はユーザーIDに対応するキャッシュキーを返す。
func IdentityKey(userID string) string {
	return "user:" + userID
}

// Get はユーザーIDに対応するCachedIdentityを返す。
// 未登録・期限切れの場合は(nil, nil)を返す。
func (ic *IdentityCache) Get(userID string) (*model.CachedIdentity, error) {
	var identity model.CachedIdentity
	ok, err := ic.cache.Get(IdentityKey(userID), &identity)
	switch {
	case err != nil:
		ic.record(ResultError)
		return nil, err
	case !ok:
		ic.record(ResultMiss)
		return nil, nil
	default:
		ic.record(ResultHit)
		return &identity, nil
	}
}

// Set はCachedIdentityをTTLの間保持する。
func (ic *IdentityCache) Set(identity model.CachedIdentity) error {
	return ic.cache.Set(IdentityKey(identity.ID), identity, ic.ttl)
}

// Invalidate はユーザーIDに対応するエントリを削除する。
// インメモリ実装では失敗しないが、共有ストアへの差し替えに備えてerrorを返す。
func (ic *IdentityCache) Invalidate(userID string) error {
	ic.cache.Delete(IdentityKey(userID))
	return nil
}

func (ic *IdentityCache) record(result string) {
	if ic.recorder != nil {
		ic.recorder.RecordCacheLookup(result)
	}
}
