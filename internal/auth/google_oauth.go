package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/idtoken"

	"github.com/hitoshi/authstarter/internal/model"
)

const (
	googleScopeEmail   = "https://www.googleapis.com/auth/userinfo.email"
	googleScopeProfile = "https://www.googleapis.com/auth/userinfo.profile"
)

// 検証失敗の内部理由。ログとメトリクスにのみ使い、クライアントには返さない。
const (
	ReasonSignature      = "signature"
	ReasonAudience       = "audience"
	ReasonExpired        = "expired"
	ReasonMalformed      = "malformed"
	ReasonExchange       = "exchange"
	ReasonMissingIDToken = "missing_id_token"
	ReasonOther          = "other"
)

// ErrServerFlowNotConfigured はクライアントシークレットまたはリダイレクトURIが未設定であることを示す。
var ErrServerFlowNotConfigured = errors.New("google server-side oauth flow is not configured")

// VerificationError はGoogle IDトークンの検証・認可コード交換の失敗を表す。
type VerificationError struct {
	Reason string
	Err    error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("google verification failed (%s): %v", e.Reason, e.Err)
}

func (e *VerificationError) Unwrap() error { return e.Err }

// IDTokenValidator はGoogle IDトークンの署名・audience・有効期限を検証する。
// *idtoken.Validator が満たす。
type IDTokenValidator interface {
	Validate(ctx context.Context, idToken string, audience string) (*idtoken.Payload, error)
}

// GoogleConfig はGoogle OAuthプロバイダーの設定。
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// テスト用にオーバーライド可能なエンドポイント。ゼロ値の場合はgoogle.Endpoint。
	Endpoint oauth2.Endpoint
}

// GoogleOAuthProvider はGoogleの認可コードフローとIDトークン検証を提供する。
type GoogleOAuthProvider struct {
	clientID  string
	oauth     *oauth2.Config
	validator IDTokenValidator
}

// NewGoogleOAuthProvider はGoogleOAuthProviderを生成する。
// validatorがnilの場合はGoogleの公開鍵で検証するidtoken.Validatorを生成する。
func NewGoogleOAuthProvider(ctx context.Context, cfg GoogleConfig, validator IDTokenValidator) (*GoogleOAuthProvider, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("google client id is required")
	}
	if validator == nil {
		v, err := idtoken.NewValidator(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create google id token validator: %w", err)
		}
		validator = v
	}

	p := &GoogleOAuthProvider{clientID: cfg.ClientID, validator: validator}
	if cfg.ClientSecret != "" && cfg.RedirectURL != "" {
		endpoint := cfg.Endpoint
		if endpoint.AuthURL == "" && endpoint.TokenURL == "" {
			endpoint = google.Endpoint
		}
		p.oauth = &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       []string{googleScopeEmail, googleScopeProfile},
		}
	}
	return p, nil
}

// ServerFlowEnabled はサーバーサイドの認可コードフローが使えるかを返す。
func (p *GoogleOAuthProvider) ServerFlowEnabled() bool {
	return p.oauth != nil
}

// AuthCodeURL は同意画面のURLを生成する。オフラインアクセスと再同意を要求する。
func (p *GoogleOAuthProvider) AuthCodeURL(state string) (string, error) {
	if p.oauth == nil {
		return "", ErrServerFlowNotConfigured
	}
	return p.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

// Exchange は認可コードをトークンに交換し、含まれるIDトークンを検証してプロフィールを返す。
func (p *GoogleOAuthProvider) Exchange(ctx context.Context, code string) (*model.GoogleProfile, error) {
	if p.oauth == nil {
		return nil, ErrServerFlowNotConfigured
	}

	tok, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, &VerificationError{Reason: ReasonExchange, Err: err}
	}

	rawIDToken, _ := tok.Extra("id_token").(string)
	if rawIDToken == "" {
		return nil, &VerificationError{Reason: ReasonMissingIDToken, Err: errors.New("token response has no id_token")}
	}

	return p.VerifyIDToken(ctx, rawIDToken)
}

// VerifyIDToken はIDトークンをクライアントIDをaudienceとして検証し、プロフィールを返す。
// メールアドレスの有無は呼び出し側で確認する。
func (p *GoogleOAuthProvider) VerifyIDToken(ctx context.Context, credential string) (*model.GoogleProfile, error) {
	payload, err := p.validator.Validate(ctx, credential, p.clientID)
	if err != nil {
		return nil, &VerificationError{Reason: classifyVerification(err), Err: err}
	}

	return &model.GoogleProfile{
		Subject: payload.Subject,
		Email:   stringClaim(payload.Claims, "email"),
		Name:    stringClaim(payload.Claims, "name"),
		Picture: stringClaim(payload.Claims, "picture"),
	}, nil
}

func stringClaim(claims map[string]interface{}, key string) string {
	v, _ := claims[key].(string)
	return v
}

// classifyVerification はidtokenのエラーを内部理由に分類する。
func classifyVerification(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "audience"):
		return ReasonAudience
	case strings.Contains(msg, "expired"):
		return ReasonExpired
	case strings.Contains(msg, "signature"),
		strings.Contains(msg, "verification error"),
		strings.Contains(msg, "cert"):
		return ReasonSignature
	case strings.Contains(msg, "segments"),
		strings.Contains(msg, "decode"),
		strings.Contains(msg, "invalid character"),
		strings.Contains(msg, "unmarshal"):
		return ReasonMalformed
	default:
		return ReasonOther
	}
}

// compile-time interface check
var _ OAuthProvider = (*GoogleOAuthProvider)(nil)
