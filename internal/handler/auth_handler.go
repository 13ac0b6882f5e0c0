package handler

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/hitoshi/authstarter/internal/auth"
	"github.com/hitoshi/authstarter/internal/clientmode"
	"github.com/hitoshi/authstarter/internal/middleware"
	"github.com/hitoshi/authstarter/internal/model"
	"github.com/hitoshi/authstarter/internal/token"
)

const (
	oauthStateCookie = "oauth_state"
	oauthStateMaxAge = 600 // 10分
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Register(ctx context.Context, in auth.RegisterInput) (*auth.Result, error)
	Login(ctx context.Context, in auth.LoginInput, clientIP string) (*auth.Result, error)
	CurrentUser(ctx context.Context, userID string) (*model.CachedIdentity, error)
	Logout(ctx context.Context, userID string)
	Refresh(ctx context.Context, refreshToken string) (token.Pair, error)
	GoogleAuthURL(state string) (string, error)
	GoogleCallback(ctx context.Context, code string) (*auth.Result, error)
	GoogleVerify(ctx context.Context, credential string) (*auth.Result, error)
}

// DeliverySelector はリクエストからトークンの受け渡し方式を選ぶ。*clientmode.Selector が満たす。
type DeliverySelector interface {
	Select(r *http.Request) clientmode.Delivery
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	FrontendURL  string // Googleコールバック後のWebリダイレクト先
	CookieDomain string
	CookieSecure bool
	ExposeErrors bool // 500レスポンスに内部エラーを含める（開発環境のみ）
}

// AuthHandler は認証関連のHTTPハンドラー。
type AuthHandler struct {
	service  AuthServiceInterface
	selector DeliverySelector
	config   AuthHandlerConfig
	errors   errorWriter
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, selector DeliverySelector, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service:  service,
		selector: selector,
		config:   config,
		errors:   errorWriter{exposeDetail: config.ExposeErrors},
	}
}

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type googleVerifyRequest struct {
	Credential string `json:"credential"`
}

// federatedUser はGoogleコールバックのモバイル応答で返すユーザー情報。
type federatedUser struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Picture string `json:"picture,omitempty"`
}

// Register は新規登録を処理する。
// POST /api/auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		h.errors.write(w, r, err)
		return
	}

	result, err := h.service.Register(r.Context(), auth.RegisterInput{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		h.errors.write(w, r, err)
		return
	}

	h.respondWithTokens(w, r, http.StatusCreated, result.User.Public(), result.Tokens)
}

// Login はメールアドレスとパスワードによるログインを処理する。
// POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		h.errors.write(w, r, err)
		return
	}

	result, err := h.service.Login(r.Context(), auth.LoginInput{
		Email:    req.Email,
		Password: req.Password,
	}, clientIP(r))
	if err != nil {
		h.errors.write(w, r, err)
		return
	}

	h.respondWithTokens(w, r, http.StatusOK, result.User.Public(), result.Tokens)
}

// Me は現在のログインユーザー情報を返す。
// GET /api/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, model.NewNotLoggedInError())
		return
	}

	identity, err := h.service.CurrentUser(r.Context(), userID)
	if err != nil {
		h.errors.write(w, r, err)
		return
	}

	successData(w, http.StatusOK, map[string]any{"user": identity})
}

// Logout はトークンCookieを削除し、ユーザー情報キャッシュを無効化する。
// POST /api/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserIDFromContext(r.Context())

	h.delivery(r).Clear(w)
	h.service.Logout(r.Context(), userID)

	successMessage(w, http.StatusOK, "Logged out successfully")
}

// Refresh はリフレッシュトークンから新しいトークンの組を発行する。
// WebはCookie、モバイルはボディのrefreshTokenを読む。
// POST /api/auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	d := h.delivery(r)

	var req refreshRequest
	if d.Mode() == clientmode.ModeMobile {
		if err := decodeJSON(r, &req); err != nil {
			h.errors.write(w, r, err)
			return
		}
	}

	pair, err := h.service.Refresh(r.Context(), d.RefreshToken(r, req.RefreshToken))
	if err != nil {
		h.errors.write(w, r, err)
		return
	}

	data := map[string]any{}
	for k, v := range d.Deliver(w, pair) {
		data[k] = v
	}
	successData(w, http.StatusOK, data)
}

// GoogleAuthURL はサーバーサイドフローの同意画面URLを返す。
// stateはCookieに保存し、コールバックで照合する。
// GET /api/auth/google
func (h *AuthHandler) GoogleAuthURL(w http.ResponseWriter, r *http.Request) {
	state, err := generateState()
	if err != nil {
		h.errors.write(w, r, err)
		return
	}

	url, err := h.service.GoogleAuthURL(state)
	if err != nil {
		h.errors.write(w, r, err)
		return
	}

	// stateをCookieに保存（CSRF対策）
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   oauthStateMaxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	successData(w, http.StatusOK, map[string]string{"authUrl": url})
}

// GoogleCallback は認可コードを交換してログインする。
// Webはstate Cookieを照合してフロントエンドへリダイレクトし、モバイルはJSONでトークンを返す。
// GET /api/auth/google/callback?code=xxx&state=yyy
func (h *AuthHandler) GoogleCallback(w http.ResponseWriter, r *http.Request) {
	d := h.delivery(r)

	if d.Mode() == clientmode.ModeWeb {
		if !h.validState(r) {
			slog.Warn("oauth state mismatch", slog.String("path", r.URL.Path))
			middleware.WriteErrorResponse(w, model.NewInvalidStateError())
			return
		}
		h.clearStateCookie(w)
	}

	result, err := h.service.GoogleCallback(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		h.errors.write(w, r, err)
		return
	}

	delivered := d.Deliver(w, result.Tokens)
	if d.Mode() == clientmode.ModeWeb {
		http.Redirect(w, r, strings.TrimRight(h.config.FrontendURL, "/")+"/auth/google/success", http.StatusFound)
		return
	}

	data := map[string]any{
		"user": federatedUser{
			ID:      result.User.ID,
			Name:    result.User.Name,
			Email:   result.User.Email,
			Picture: result.User.PictureURL,
		},
	}
	for k, v := range delivered {
		data[k] = v
	}
	successData(w, http.StatusOK, data)
}

// GoogleVerify はクライアントが取得したGoogle IDトークンでログインする。
// POST /api/auth/google/verify
func (h *AuthHandler) GoogleVerify(w http.ResponseWriter, r *http.Request) {
	var req googleVerifyRequest
	if err := decodeJSON(r, &req); err != nil {
		// credentialが文字列でない場合もここに来る
		h.errors.write(w, r, model.NewInvalidFormatError())
		return
	}

	result, err := h.service.GoogleVerify(r.Context(), req.Credential)
	if err != nil {
		h.errors.write(w, r, err)
		return
	}

	h.respondWithTokens(w, r, http.StatusOK, result.User.Identity(), result.Tokens)
}

// respondWithTokens はトークンを受け渡し方式に従って渡し、data.userとともに応答する。
// モバイルの場合のみdataにtokenとrefreshTokenを含める。
func (h *AuthHandler) respondWithTokens(w http.ResponseWriter, r *http.Request, statusCode int, user any, pair token.Pair) {
	data := map[string]any{"user": user}
	for k, v := range h.delivery(r).Deliver(w, pair) {
		data[k] = v
	}
	successData(w, statusCode, data)
}

// delivery はミドルウェアが選んだ受け渡し方式を返す。未選択の場合はここで判定する。
func (h *AuthHandler) delivery(r *http.Request) clientmode.Delivery {
	if d, ok := clientmode.FromContext(r.Context()); ok {
		return d
	}
	return h.selector.Select(r)
}

func (h *AuthHandler) validState(r *http.Request) bool {
	state := r.URL.Query().Get("state")
	cookie, err := r.Cookie(oauthStateCookie)
	if err != nil || cookie.Value == "" || state == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(state)) == 1
}

func (h *AuthHandler) clearStateCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    "",
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// clientIP はログ用のクライアントIPを返す。クライアントIPミドルウェア適用後のRemoteAddrを使う。
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
