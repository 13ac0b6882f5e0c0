package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/authstarter/internal/clientmode"
	"github.com/hitoshi/authstarter/internal/model"
	"github.com/hitoshi/authstarter/internal/token"
)

// TokenVerifier はアクセストークンの検証。*token.Service が満たす。
type TokenVerifier interface {
	Verify(tokenStr string, expected token.Kind) (string, error)
}

// IdentityCache はユーザー情報キャッシュの読み書き。*cache.IdentityCache が満たす。
type IdentityCache interface {
	Get(userID string) (*model.CachedIdentity, error)
	Set(identity model.CachedIdentity) error
}

// UserFinder はユーザーの検索。*credential.Store が満たす。
type UserFinder interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
}

// AuthGate は保護されたルートの前段で呼び出し元のユーザーを解決する。
type AuthGate struct {
	tokens   TokenVerifier
	cache    IdentityCache
	users    UserFinder
	fallback clientmode.Delivery
}

// NewAuthGate はAuthGateを生成する。
// コンテキストにDeliveryがない場合はCookieとAuthorizationヘッダーの両方を見るWeb配送として扱う。
func NewAuthGate(tokens TokenVerifier, cache IdentityCache, users UserFinder) *AuthGate {
	return &AuthGate{
		tokens:   tokens,
		cache:    cache,
		users:    users,
		fallback: clientmode.NewWebDelivery(clientmode.CookieConfig{}),
	}
}

// RequireAuth はアクセストークンを検証し、ユーザー情報をコンテキストに格納するミドルウェア。
//
//   - トークンなし: 401 NotLoggedIn
//   - 期限切れ: 401 TokenExpired
//   - 署名不正・形式不正: 401 InvalidToken
//   - ユーザーが存在しない: 401 UserNoLongerExists
//
// キャッシュの読み取りに失敗した場合はミスとして扱い、ストアから解決する。
func (g *AuthGate) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivery, ok := clientmode.FromContext(r.Context())
		if !ok {
			delivery = g.fallback
		}

		raw := delivery.AccessToken(r)
		if raw == "" {
			WriteErrorResponse(w, model.NewNotLoggedInError())
			return
		}

		userID, err := g.tokens.Verify(raw, token.KindAccess)
		if err != nil {
			if errors.Is(err, token.ErrExpired) {
				WriteErrorResponse(w, model.NewTokenExpiredError())
				return
			}
			slog.Debug("access token rejected", slog.String("error", err.Error()))
			WriteErrorResponse(w, model.NewInvalidTokenError())
			return
		}

		identity, err := g.resolve(r.Context(), userID)
		if err != nil {
			WriteError(w, r, err, false)
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), *identity)))
	})
}

// resolve はキャッシュ、次にストアからユーザー情報を取得する。
// ストアから取得した場合はキャッシュに書き戻す。
func (g *AuthGate) resolve(ctx context.Context, userID string) (*model.CachedIdentity, error) {
	cached, err := g.cache.Get(userID)
	if err != nil {
		slog.Warn("identity cache read failed, falling back to store",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	} else if cached != nil {
		return cached, nil
	}

	user, err := g.users.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, model.NewUserNoLongerExistsError()
	}

	identity := user.Identity()
	if err := g.cache.Set(identity); err != nil {
		slog.Error("failed to cache identity",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
	return &identity, nil
}
