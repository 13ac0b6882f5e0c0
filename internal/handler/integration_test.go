package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/authstarter/internal/auth"
	"github.com/hitoshi/authstarter/internal/cache"
	"github.com/hitoshi/authstarter/internal/clientmode"
	"github.com/hitoshi/authstarter/internal/credential"
	"github.com/hitoshi/authstarter/internal/middleware"
	"github.com/hitoshi/authstarter/internal/model"
	"github.com/hitoshi/authstarter/internal/repository"
	"github.com/hitoshi/authstarter/internal/token"
	"github.com/hitoshi/authstarter/internal/user"
)

// --- 統合テスト用のインメモリリポジトリ ---

type memUserRepo struct {
	mu    sync.Mutex
	users map[string]*model.User
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{users: make(map[string]*model.User)}
}

func (m *memUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			c := *u
			return &c, nil
		}
	}
	return nil, nil
}

func (m *memUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		c := *u
		return &c, nil
	}
	return nil, nil
}

func (m *memUserRepo) Create(ctx context.Context, u *model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return repository.ErrDuplicateEmail
		}
	}
	c := *u
	m.users[u.ID] = &c
	return nil
}

func (m *memUserRepo) LinkGoogle(ctx context.Context, userID, googleID, pictureURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return repository.ErrUserNotFound
	}
	u.GoogleID = googleID
	u.IsGoogleAuth = true
	if pictureURL != "" {
		u.PictureURL = pictureURL
	}
	return nil
}

func (m *memUserRepo) delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, id)
}

var _ repository.UserRepository = (*memUserRepo)(nil)

// --- 統合テスト用ルーター構築ヘルパー ---

type integrationEnv struct {
	router http.Handler
	repo   *memUserRepo
	cache  *cache.Cache
}

func newIntegrationEnv(t *testing.T) *integrationEnv {
	t.Helper()

	repo := newMemUserRepo()
	store := credential.NewStore(repo, credential.WithHashCost(bcrypt.MinCost))
	tokens, err := token.NewService(token.Config{
		AccessSecret:  "integration-access-secret-0123456789",
		RefreshSecret: "integration-refresh-secret-0123456789",
		AccessTTL:     7 * 24 * time.Hour,
		RefreshTTL:    30 * 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("token.NewService: %v", err)
	}
	c := cache.New()
	identities := cache.NewIdentityCache(c, time.Hour, nil)

	authService := auth.NewService(store, tokens, identities)
	selector := newTestSelector()

	router := NewRouter(&RouterDeps{
		Logger:         slog.New(slog.NewJSONHandler(io.Discard, nil)),
		LoggingConfig:  middleware.DefaultLoggingConfig(),
		CORSOrigins:    []string{"http://localhost:3000"},
		RequestTimeout: 5 * time.Second,
		Selector:       selector,
		Gate:           middleware.NewAuthGate(tokens, identities, store),
		RateLimiter:    middleware.NewRateLimiter(middleware.NewMemoryStore(0), nil),
		RateLimits: RateLimitRules{
			General:  middleware.GeneralRule(1000, 15*time.Minute),
			Login:    middleware.LoginRule(10, 15*time.Minute),
			Register: middleware.RegisterRule(5, time.Hour),
			Google:   middleware.GoogleRule(20, 15*time.Minute),
		},
		AuthService: authService,
		AuthConfig:  AuthHandlerConfig{FrontendURL: "http://localhost:3000"},
		UserService: user.NewService(store),
		Monitoring:  NewMonitoringHandler("test", time.Now(), nil),
	})

	return &integrationEnv{router: router, repo: repo, cache: c}
}

func (e *integrationEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func withCookies(req *http.Request, cookies map[string]*http.Cookie) *http.Request {
	for _, c := range cookies {
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
	return req
}

// --- 統合テスト ---

// TestIntegration_WebSessionLifecycle は登録→ログイン→me→ログアウト→meの流れをCookieで検証する。
func TestIntegration_WebSessionLifecycle(t *testing.T) {
	env := newIntegrationEnv(t)

	w := env.do(jsonRequest(http.MethodPost, "/api/auth/register", `{"name":"Ann","email":"ann@x.com","password":"secret1"}`))
	if w.Code != http.StatusCreated {
		t.Fatalf("register: status = %d, want 201; body = %s", w.Code, w.Body.String())
	}
	if strings.Contains(w.Body.String(), "password") {
		t.Error("register response must not contain password fields")
	}
	var registered model.PublicUser
	json.Unmarshal(decodeBody(t, w).Data["user"], &registered)
	if registered.Email != "ann@x.com" {
		t.Errorf("email = %q, want ann@x.com", registered.Email)
	}

	w = env.do(jsonRequest(http.MethodPost, "/api/auth/login", `{"email":"ann@x.com","password":"secret1"}`))
	if w.Code != http.StatusOK {
		t.Fatalf("login: status = %d, want 200", w.Code)
	}
	cookies := cookieMap(w)
	if cookies[clientmode.AccessCookieName] == nil || cookies[clientmode.RefreshCookieName] == nil {
		t.Fatalf("login should set both cookies, got %v", cookies)
	}

	w = env.do(withCookies(httptest.NewRequest(http.MethodGet, "/api/auth/me", nil), cookies))
	if w.Code != http.StatusOK {
		t.Fatalf("me: status = %d, want 200; body = %s", w.Code, w.Body.String())
	}
	var identity model.CachedIdentity
	json.Unmarshal(decodeBody(t, w).Data["user"], &identity)
	if identity.Name != "Ann" {
		t.Errorf("name = %q, want Ann", identity.Name)
	}

	w = env.do(withCookies(httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil), cookies))
	if w.Code != http.StatusOK {
		t.Fatalf("logout: status = %d, want 200", w.Code)
	}
	cleared := cookieMap(w)
	if c := cleared[clientmode.AccessCookieName]; c == nil || c.Value != "" {
		t.Errorf("access cookie not cleared: %+v", c)
	}

	// ブラウザはクリアされたCookieを送らなくなる
	w = env.do(withCookies(httptest.NewRequest(http.MethodGet, "/api/auth/me", nil), cleared))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("me after logout: status = %d, want 401", w.Code)
	}
}

// TestIntegration_MobileTokens はモバイルクライアントにボディでトークンが返ることを検証する。
func TestIntegration_MobileTokens(t *testing.T) {
	env := newIntegrationEnv(t)

	env.do(jsonRequest(http.MethodPost, "/api/auth/register", `{"name":"Ann","email":"ann@x.com","password":"secret1"}`))

	req := jsonRequest(http.MethodPost, "/api/auth/login", `{"email":"ann@x.com","password":"secret1"}`)
	req.Header.Set(clientmode.HeaderClientType, "mobile")
	w := env.do(req)
	if w.Code != http.StatusOK {
		t.Fatalf("login: status = %d, want 200", w.Code)
	}
	if len(w.Result().Cookies()) != 0 {
		t.Error("mobile login must not set cookies")
	}
	body := decodeBody(t, w)
	var access, refresh string
	json.Unmarshal(body.Data["token"], &access)
	json.Unmarshal(body.Data["refreshToken"], &refresh)
	if access == "" || refresh == "" {
		t.Fatalf("expected tokens in body, got %v", body.Data)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/users/profile", nil)
	req.Header.Set(clientmode.HeaderClientType, "mobile")
	req.Header.Set("Authorization", "Bearer "+access)
	if w := env.do(req); w.Code != http.StatusOK {
		t.Fatalf("profile: status = %d, want 200", w.Code)
	}

	// リフレッシュトークンはアクセストークンとして使えない
	req = httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+refresh)
	if w := env.do(req); w.Code != http.StatusUnauthorized {
		t.Errorf("refresh as access: status = %d, want 401", w.Code)
	}

	req = jsonRequest(http.MethodPost, "/api/auth/refresh", `{"refreshToken":"`+refresh+`"}`)
	req.Header.Set(clientmode.HeaderPlatform, "android")
	w = env.do(req)
	if w.Code != http.StatusOK {
		t.Fatalf("refresh: status = %d, want 200; body = %s", w.Code, w.Body.String())
	}
	var renewed string
	json.Unmarshal(decodeBody(t, w).Data["token"], &renewed)
	if renewed == "" {
		t.Error("expected renewed access token")
	}
}

// TestIntegration_EnumerationResistance は未登録メールとパスワード誤りで同一の応答になることを検証する。
func TestIntegration_EnumerationResistance(t *testing.T) {
	env := newIntegrationEnv(t)
	env.do(jsonRequest(http.MethodPost, "/api/auth/register", `{"name":"Ann","email":"ann@x.com","password":"secret1"}`))

	wrongPassword := env.do(jsonRequest(http.MethodPost, "/api/auth/login", `{"email":"ann@x.com","password":"wrong!"}`))
	unknownEmail := env.do(jsonRequest(http.MethodPost, "/api/auth/login", `{"email":"nobody@x.com","password":"secret1"}`))

	if wrongPassword.Code != http.StatusUnauthorized || unknownEmail.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d / %d, want 401 / 401", wrongPassword.Code, unknownEmail.Code)
	}
	if wrongPassword.Body.String() != unknownEmail.Body.String() {
		t.Errorf("bodies differ:\n%s\n%s", wrongPassword.Body.String(), unknownEmail.Body.String())
	}
}

// TestIntegration_DuplicateEmail は大文字小文字違いの重複登録が拒否されることを検証する。
func TestIntegration_DuplicateEmail(t *testing.T) {
	env := newIntegrationEnv(t)
	env.do(jsonRequest(http.MethodPost, "/api/auth/register", `{"name":"Ann","email":"ann@x.com","password":"secret1"}`))

	w := env.do(jsonRequest(http.MethodPost, "/api/auth/register", `{"name":"Other","email":"ANN@x.com","password":"another1"}`))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if body := decodeBody(t, w); body.Message != "User already exists with this email" {
		t.Errorf("message = %q", body.Message)
	}

	// 既存ユーザーは変更されない
	if w := env.do(jsonRequest(http.MethodPost, "/api/auth/login", `{"email":"ann@x.com","password":"secret1"}`)); w.Code != http.StatusOK {
		t.Errorf("original login: status = %d, want 200", w.Code)
	}
}

// TestIntegration_LoginRateLimit は11回目のログイン試行が拒否され、成功はカウントされないことを検証する。
func TestIntegration_LoginRateLimit(t *testing.T) {
	env := newIntegrationEnv(t)
	env.do(jsonRequest(http.MethodPost, "/api/auth/register", `{"name":"Ann","email":"ann@x.com","password":"secret1"}`))

	// 成功したログインはカウントしない
	for i := 0; i < 12; i++ {
		if w := env.do(jsonRequest(http.MethodPost, "/api/auth/login", `{"email":"ann@x.com","password":"secret1"}`)); w.Code != http.StatusOK {
			t.Fatalf("successful login %d: status = %d, want 200", i, w.Code)
		}
	}

	for i := 0; i < 10; i++ {
		if w := env.do(jsonRequest(http.MethodPost, "/api/auth/login", `{"email":"ann@x.com","password":"wrong!"}`)); w.Code != http.StatusUnauthorized {
			t.Fatalf("failed login %d: status = %d, want 401", i, w.Code)
		}
	}

	// 11回目は資格情報が正しくても拒否される
	w := env.do(jsonRequest(http.MethodPost, "/api/auth/login", `{"email":"ann@x.com","password":"secret1"}`))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("11th attempt: status = %d, want 429", w.Code)
	}
	if body := decodeBody(t, w); body.Message != "Too many authentication attempts, please try again later." {
		t.Errorf("message = %q", body.Message)
	}
}

// TestIntegration_DeletedUserToken は削除済みユーザーのトークンが拒否されることを検証する。
func TestIntegration_DeletedUserToken(t *testing.T) {
	env := newIntegrationEnv(t)

	req := jsonRequest(http.MethodPost, "/api/auth/register", `{"name":"Ann","email":"ann@x.com","password":"secret1"}`)
	req.Header.Set(clientmode.HeaderClientType, "mobile")
	w := env.do(req)
	body := decodeBody(t, w)
	var access string
	json.Unmarshal(body.Data["token"], &access)
	var registered model.PublicUser
	json.Unmarshal(body.Data["user"], &registered)

	env.repo.delete(registered.ID)
	env.cache.Delete(cache.IdentityKey(registered.ID))

	req = httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+access)
	w = env.do(req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if body := decodeBody(t, w); body.Message != "The user belonging to this token no longer exists." {
		t.Errorf("message = %q", body.Message)
	}
}

// TestIntegration_CacheStaleness はプロフィール変更がTTL経過までキャッシュに反映されないことを検証する。
func TestIntegration_CacheStaleness(t *testing.T) {
	env := newIntegrationEnv(t)

	req := jsonRequest(http.MethodPost, "/api/auth/register", `{"name":"Ann","email":"ann@x.com","password":"secret1"}`)
	req.Header.Set(clientmode.HeaderClientType, "mobile")
	body := decodeBody(t, env.do(req))
	var access string
	json.Unmarshal(body.Data["token"], &access)
	var registered model.PublicUser
	json.Unmarshal(body.Data["user"], &registered)

	env.repo.mu.Lock()
	env.repo.users[registered.ID].Name = "Renamed"
	env.repo.mu.Unlock()

	req = httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+access)
	var identity model.CachedIdentity
	json.Unmarshal(decodeBody(t, env.do(req)).Data["user"], &identity)
	if identity.Name != "Ann" {
		t.Errorf("cached name = %q, want stale value Ann", identity.Name)
	}

	// プロフィールはストアの最新値を返す
	req = httptest.NewRequest(http.MethodGet, "/api/users/profile", nil)
	req.Header.Set("Authorization", "Bearer "+access)
	var profile model.Profile
	json.Unmarshal(decodeBody(t, env.do(req)).Data["user"], &profile)
	if profile.Name != "Renamed" {
		t.Errorf("profile name = %q, want Renamed", profile.Name)
	}
}

// TestIntegration_GoogleNotConfigured はGoogle未設定時の応答を検証する。
func TestIntegration_GoogleNotConfigured(t *testing.T) {
	env := newIntegrationEnv(t)

	w := env.do(jsonRequest(http.MethodPost, "/api/auth/google/verify", `{"credential":"not-a-jwt"}`))
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid format: status = %d, want 400", w.Code)
	}

	w = env.do(jsonRequest(http.MethodPost, "/api/auth/google/verify", `{"credential":"a.b.c"}`))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("not configured: status = %d, want 500", w.Code)
	}

	w = env.do(httptest.NewRequest(http.MethodGet, "/api/auth/google", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("auth url: status = %d, want 500", w.Code)
	}
}
