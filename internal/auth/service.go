// Package auth はパスワード認証、トークン更新、Googleアカウントによる連携ログインのフローを提供する。
//
// 各フローはリクエストをまたいだ状態を持たない。状態はユーザーレコードと発行済みトークンにのみ存在する。
// トークンをCookieで渡すかレスポンスボディで渡すかは呼び出し側（clientmode.Delivery）が決める。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hitoshi/authstarter/internal/metrics"
	"github.com/hitoshi/authstarter/internal/model"
	"github.com/hitoshi/authstarter/internal/security"
	"github.com/hitoshi/authstarter/internal/token"
)

// メトリクスのフロー名。
const (
	FlowRegister       = "register"
	FlowLogin          = "login"
	FlowRefresh        = "refresh"
	FlowLogout         = "logout"
	FlowGoogleCallback = "google_callback"
	FlowGoogleVerify   = "google_verify"
)

// メトリクスの結果ラベル。
const (
	OutcomeSuccess            = "success"
	OutcomeInvalidCredentials = "invalid_credentials"
	OutcomeInvalidToken       = "invalid_token"
	OutcomeRejected           = "rejected"
	OutcomeError              = "error"
)

// UserStore はフローが利用するユーザーの永続化と照合。
// *credential.Store が満たす。
type UserStore interface {
	FindByEmail(ctx context.Context, email string) (*model.User, error)
	FindByID(ctx context.Context, id string) (*model.User, error)
	CreateWithPassword(ctx context.Context, name, email, password string) (*model.User, error)
	CreateFederated(ctx context.Context, profile model.GoogleProfile) (*model.User, error)
	LinkGoogle(ctx context.Context, user *model.User, subject, picture string) (*model.User, error)
	ComparePassword(user *model.User, candidate string) bool
}

// IdentityCache は認証済みユーザー情報の短期キャッシュ。
// *cache.IdentityCache が満たす。
type IdentityCache interface {
	Get(userID string) (*model.CachedIdentity, error)
	Set(identity model.CachedIdentity) error
	Invalidate(userID string) error
}

// TokenIssuer はトークンの発行と検証。*token.Service が満たす。
type TokenIssuer interface {
	IssuePair(userID string) (token.Pair, error)
	Verify(tokenStr string, expected token.Kind) (string, error)
}

// OAuthProvider はGoogleアカウント連携のインターフェース。
type OAuthProvider interface {
	// ServerFlowEnabled はサーバーサイドの認可コードフローが使えるかを返す。
	ServerFlowEnabled() bool
	// AuthCodeURL は同意画面のURLを生成する。
	AuthCodeURL(state string) (string, error)
	// Exchange は認可コードを検証済みプロフィールに交換する。
	Exchange(ctx context.Context, code string) (*model.GoogleProfile, error)
	// VerifyIDToken はクライアントから受け取ったIDトークンを検証する。
	VerifyIDToken(ctx context.Context, credential string) (*model.GoogleProfile, error)
}

// Result は認証成功時にハンドラーへ返す結果。
type Result struct {
	User   *model.User
	Tokens token.Pair
}

// Service は認証フローのビジネスロジックを提供する。
type Service struct {
	users     UserStore
	tokens    TokenIssuer
	cache     IdentityCache
	google    OAuthProvider
	sanitizer security.TextSanitizer
	metrics   metrics.MetricsCollector
}

// Option はServiceの生成オプション。
type Option func(*Service)

// WithGoogle はGoogleプロバイダーを設定する。未設定の場合、Googleフローは NotConfigured を返す。
func WithGoogle(p OAuthProvider) Option {
	return func(s *Service) { s.google = p }
}

// WithMetrics はメトリクスコレクターを設定する。
func WithMetrics(m metrics.MetricsCollector) Option {
	return func(s *Service) { s.metrics = m }
}

// WithSanitizer は表示名の無害化処理を差し替える。
func WithSanitizer(t security.TextSanitizer) Option {
	return func(s *Service) { s.sanitizer = t }
}

// NewService はServiceを生成する。
func NewService(users UserStore, tokens TokenIssuer, cache IdentityCache, opts ...Option) *Service {
	s := &Service{
		users:     users,
		tokens:    tokens,
		cache:     cache,
		sanitizer: security.NewNameSanitizer(),
		metrics:   metrics.Nop{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register は新規ユーザーを作成し、トークンを発行する。
// メールアドレスが登録済みの場合は既存レコードを変更せずDuplicateEmailを返す。
func (s *Service) Register(ctx context.Context, in RegisterInput) (*Result, error) {
	in, err := validateRegister(in, s.sanitizer)
	if err != nil {
		s.metrics.RecordAuthEvent(FlowRegister, OutcomeRejected)
		return nil, err
	}

	existing, err := s.users.FindByEmail(ctx, in.Email)
	if err != nil {
		s.metrics.RecordAuthEvent(FlowRegister, OutcomeError)
		return nil, fmt.Errorf("failed to look up email: %w", err)
	}
	if existing != nil {
		s.metrics.RecordAuthEvent(FlowRegister, OutcomeRejected)
		return nil, model.NewDuplicateEmailError()
	}

	user, err := s.users.CreateWithPassword(ctx, in.Name, in.Email, in.Password)
	if err != nil {
		s.metrics.RecordAuthEvent(FlowRegister, outcomeFor(err))
		return nil, err
	}

	result, err := s.issue(user)
	if err != nil {
		s.metrics.RecordAuthEvent(FlowRegister, OutcomeError)
		return nil, err
	}
	s.remember(user)

	slog.Info("user registered",
		slog.String("user_id", user.ID),
		slog.String("email", user.Email),
	)
	s.metrics.RecordAuthEvent(FlowRegister, OutcomeSuccess)
	return result, nil
}

// Login はメールアドレスとパスワードを照合し、トークンを発行する。
// メール未登録とパスワード不一致は同じInvalidCredentialsを返す。
func (s *Service) Login(ctx context.Context, in LoginInput, clientIP string) (*Result, error) {
	in, err := validateLogin(in)
	if err != nil {
		s.metrics.RecordAuthEvent(FlowLogin, OutcomeRejected)
		return nil, err
	}

	user, err := s.users.FindByEmail(ctx, in.Email)
	if err != nil {
		s.metrics.RecordAuthEvent(FlowLogin, OutcomeError)
		return nil, fmt.Errorf("failed to look up email: %w", err)
	}
	if user == nil || !s.users.ComparePassword(user, in.Password) {
		slog.Warn("failed login attempt",
			slog.String("email", in.Email),
			slog.String("ip", clientIP),
		)
		s.metrics.RecordAuthEvent(FlowLogin, OutcomeInvalidCredentials)
		return nil, model.NewInvalidCredentialsError()
	}

	result, err := s.issue(user)
	if err != nil {
		s.metrics.RecordAuthEvent(FlowLogin, OutcomeError)
		return nil, err
	}
	s.remember(user)

	slog.Info("user logged in",
		slog.String("user_id", user.ID),
		slog.String("email", user.Email),
		slog.String("ip", clientIP),
	)
	s.metrics.RecordAuthEvent(FlowLogin, OutcomeSuccess)
	return result, nil
}

// CurrentUser はキャッシュ、次にストアから現在のユーザー情報を返す。
// キャッシュの読み取り失敗はミスとして扱い、ストアにフォールバックする。
func (s *Service) CurrentUser(ctx context.Context, userID string) (*model.CachedIdentity, error) {
	cached, err := s.cache.Get(userID)
	if err != nil {
		slog.Error("failed to read identity cache",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
	if err == nil && cached != nil {
		return cached, nil
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user %s: %w", userID, err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}

	s.remember(user)
	identity := user.Identity()
	return &identity, nil
}

// Logout はユーザー情報キャッシュを無効化する。
// Cookieの削除は呼び出し側で行う。キャッシュの無効化に失敗してもログに残すだけでエラーは返さない。
func (s *Service) Logout(ctx context.Context, userID string) {
	if userID != "" {
		if err := s.cache.Invalidate(userID); err != nil {
			slog.Error("failed to invalidate identity cache on logout",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
	}

	slog.Info("user logged out", slog.String("user_id", userID))
	s.metrics.RecordAuthEvent(FlowLogout, OutcomeSuccess)
}

// Refresh はリフレッシュトークンを検証し、新しいトークンの組を発行する。
// キャッシュは読み書きしない。
func (s *Service) Refresh(ctx context.Context, refreshToken string) (token.Pair, error) {
	if refreshToken == "" {
		s.metrics.RecordAuthEvent(FlowRefresh, OutcomeRejected)
		return token.Pair{}, model.NewMissingTokenError()
	}

	userID, err := s.tokens.Verify(refreshToken, token.KindRefresh)
	if err != nil {
		slog.Warn("refresh token rejected", slog.String("error", err.Error()))
		s.metrics.RecordAuthEvent(FlowRefresh, OutcomeInvalidToken)
		return token.Pair{}, model.NewInvalidOrExpiredTokenError()
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		s.metrics.RecordAuthEvent(FlowRefresh, OutcomeError)
		return token.Pair{}, fmt.Errorf("failed to find user %s: %w", userID, err)
	}
	if user == nil {
		s.metrics.RecordAuthEvent(FlowRefresh, OutcomeRejected)
		return token.Pair{}, model.NewUserNotFoundError()
	}

	pair, err := s.tokens.IssuePair(user.ID)
	if err != nil {
		s.metrics.RecordAuthEvent(FlowRefresh, OutcomeError)
		return token.Pair{}, fmt.Errorf("failed to issue tokens: %w", err)
	}
	s.metrics.RecordAuthEvent(FlowRefresh, OutcomeSuccess)
	return pair, nil
}

// GoogleAuthURL はサーバーサイドフローの同意画面URLを返す。
func (s *Service) GoogleAuthURL(state string) (string, error) {
	if s.google == nil || !s.google.ServerFlowEnabled() {
		return "", model.NewNotConfiguredError()
	}
	return s.google.AuthCodeURL(state)
}

// GoogleCallback は認可コードを交換し、対応するユーザーでログインする。
func (s *Service) GoogleCallback(ctx context.Context, code string) (*Result, error) {
	if code == "" {
		s.metrics.RecordAuthEvent(FlowGoogleCallback, OutcomeRejected)
		return nil, model.NewMissingCodeError()
	}
	if s.google == nil || !s.google.ServerFlowEnabled() {
		return nil, model.NewNotConfiguredError()
	}

	profile, err := s.google.Exchange(ctx, code)
	if err != nil {
		return nil, s.federatedFailure(FlowGoogleCallback, err)
	}
	return s.federatedLogin(ctx, FlowGoogleCallback, profile)
}

// GoogleVerify はクライアントが取得したGoogle IDトークンを検証し、対応するユーザーでログインする。
func (s *Service) GoogleVerify(ctx context.Context, credential string) (*Result, error) {
	if credential == "" {
		s.metrics.RecordAuthEvent(FlowGoogleVerify, OutcomeRejected)
		return nil, model.NewMissingCredentialError()
	}
	if !looksLikeJWT(credential) {
		slog.Warn("google credential is not a three-segment token",
			slog.Int("credential_length", len(credential)),
		)
		s.metrics.RecordAuthEvent(FlowGoogleVerify, OutcomeRejected)
		return nil, model.NewInvalidFormatError()
	}
	if s.google == nil {
		return nil, model.NewNotConfiguredError()
	}

	profile, err := s.google.VerifyIDToken(ctx, credential)
	if err != nil {
		return nil, s.federatedFailure(FlowGoogleVerify, err)
	}
	return s.federatedLogin(ctx, FlowGoogleVerify, profile)
}

// federatedLogin はGoogleプロフィールに対応するユーザーを解決してトークンを発行する。
// 同じメールアドレスのユーザーがいなければ作成し、未連携の既存ユーザーには連携情報を付与する。
func (s *Service) federatedLogin(ctx context.Context, flow string, profile *model.GoogleProfile) (*Result, error) {
	if strings.TrimSpace(profile.Email) == "" {
		s.metrics.RecordAuthEvent(flow, OutcomeRejected)
		return nil, model.NewMissingEmailError()
	}

	user, err := s.users.FindByEmail(ctx, profile.Email)
	if err != nil {
		s.metrics.RecordAuthEvent(flow, OutcomeError)
		return nil, fmt.Errorf("failed to look up email: %w", err)
	}

	switch {
	case user == nil:
		user, err = s.users.CreateFederated(ctx, *profile)
		if err != nil {
			s.metrics.RecordAuthEvent(flow, outcomeFor(err))
			return nil, err
		}
		slog.Info("new google user registered",
			slog.String("user_id", user.ID),
			slog.String("email", user.Email),
		)
	case !user.HasGoogleLink():
		user, err = s.users.LinkGoogle(ctx, user, profile.Subject, profile.Picture)
		if err != nil {
			s.metrics.RecordAuthEvent(flow, OutcomeError)
			return nil, err
		}
		slog.Info("google account linked to existing user",
			slog.String("user_id", user.ID),
			slog.String("email", user.Email),
		)
	default:
		if user.GoogleID != profile.Subject {
			// 同じメールアドレスで別のGoogleアカウントからログインされた。連携は上書きしない
			slog.Warn("google subject does not match linked account",
				slog.String("user_id", user.ID),
				slog.String("email", user.Email),
				slog.String("flow", flow),
			)
		}
		slog.Info("google user logged in",
			slog.String("user_id", user.ID),
			slog.String("email", user.Email),
		)
	}

	result, err := s.issue(user)
	if err != nil {
		s.metrics.RecordAuthEvent(flow, OutcomeError)
		return nil, err
	}
	s.remember(user)
	s.metrics.RecordAuthEvent(flow, OutcomeSuccess)
	return result, nil
}

// federatedFailure はプロバイダーのエラーを記録し、クライアント向けのエラーに変換する。
// 検証失敗の理由はログにのみ残し、レスポンスはAuthenticationFailedに集約する。
func (s *Service) federatedFailure(flow string, err error) error {
	if errors.Is(err, ErrServerFlowNotConfigured) {
		return model.NewNotConfiguredError()
	}

	reason := ReasonOther
	var verr *VerificationError
	if errors.As(err, &verr) {
		reason = verr.Reason
	}
	slog.Warn("google authentication failed",
		slog.String("flow", flow),
		slog.String("reason", reason),
		slog.String("error", err.Error()),
	)
	s.metrics.RecordAuthEvent(flow, "failed_"+reason)
	return model.NewAuthenticationFailedError()
}

func (s *Service) issue(user *model.User) (*Result, error) {
	pair, err := s.tokens.IssuePair(user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to issue tokens: %w", err)
	}
	return &Result{User: user, Tokens: pair}, nil
}

// remember はユーザー情報をキャッシュに書き込む。失敗してもフローは継続する。
func (s *Service) remember(user *model.User) {
	if err := s.cache.Set(user.Identity()); err != nil {
		slog.Error("failed to cache identity",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
	}
}

func looksLikeJWT(credential string) bool {
	parts := strings.Split(credential, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
	}
	return true
}

func outcomeFor(err error) string {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return OutcomeRejected
	}
	return OutcomeError
}
