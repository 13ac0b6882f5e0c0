// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"sync"

	"github.com/hitoshi/authstarter/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	// identityContextKey は認証済みユーザー情報を格納するキー。
	identityContextKey = contextKey("identity")
	// requestIDContextKey はリクエストIDを格納するキー。
	requestIDContextKey = contextKey("request_id")
	// requestStateContextKey はログ出力用のリクエスト状態を格納するキー。
	requestStateContextKey = contextKey("request_state")
)

// IdentityFromContext はRequireAuthが格納したユーザー情報を取得する。
func IdentityFromContext(ctx context.Context) (model.CachedIdentity, bool) {
	identity, ok := ctx.Value(identityContextKey).(model.CachedIdentity)
	return identity, ok && identity.ID != ""
}

// ContextWithIdentity はコンテキストにユーザー情報を注入する。
func ContextWithIdentity(ctx context.Context, identity model.CachedIdentity) context.Context {
	if st, ok := ctx.Value(requestStateContextKey).(*requestState); ok {
		st.setUserID(identity.ID)
	}
	return context.WithValue(ctx, identityContextKey, identity)
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// RequireAuthを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	identity, ok := IdentityFromContext(ctx)
	if !ok {
		return "", fmt.Errorf("user ID not found in context")
	}
	return identity.ID, nil
}

// ContextWithUserID はIDのみを持つユーザー情報をコンテキストに注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return ContextWithIdentity(ctx, model.CachedIdentity{ID: userID})
}

// RequestIDFromContext はRequestIDミドルウェアが格納したリクエストIDを返す。
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDContextKey).(string)
	return id
}

// requestState はアクセスログを出力するミドルウェアと内側のハンドラーで共有する状態。
// 内側で作られた子コンテキストの値は外側から見えないため、ポインタで受け渡す。
type requestState struct {
	mu     sync.Mutex
	userID string
}

func (s *requestState) setUserID(id string) {
	s.mu.Lock()
	s.userID = id
	s.mu.Unlock()
}

func (s *requestState) getUserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}
