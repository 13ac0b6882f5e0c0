// Package token はアクセストークンとリフレッシュトークンの発行・検証を提供する。
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Kind はトークンの種別。
type Kind string

const (
	// KindAccess はリクエスト認証に使うアクセストークン。
	KindAccess Kind = "access"
	// KindRefresh はトークンペアの再発行にのみ使うリフレッシュトークン。
	KindRefresh Kind = "refresh"
)

// 検証失敗の種別。呼び出し側はerrors.Isで判別する。
var (
	ErrMalformed        = errors.New("token is malformed")
	ErrInvalidSignature = errors.New("token signature is invalid")
	ErrExpired          = errors.New("token has expired")
)

// Claims はトークンに埋め込むクレーム。
type Claims struct {
	UserID string `json:"id"`
	Kind   Kind   `json:"kind"`
	jwt.RegisteredClaims
}

// Pair はアクセストークンとリフレッシュトークンの組。
type Pair struct {
	AccessToken  string
	RefreshToken string
}

// Config はトークンサービスの設定。
type Config struct {
	AccessSecret  string
	RefreshSecret string // 空の場合はAccessSecretを使う
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
}

// Service はHS256で署名したトークンを発行・検証する。
type Service struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
}

// NewService はServiceを生成する。
func NewService(cfg Config) (*Service, error) {
	if cfg.AccessSecret == "" {
		return nil, errors.New("token: access secret is required")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("token: lifetimes must be positive")
	}
	refreshSecret := cfg.RefreshSecret
	if refreshSecret == "" {
		refreshSecret = cfg.AccessSecret
	}
	return &Service{
		accessSecret:  []byte(cfg.AccessSecret),
		refreshSecret: []byte(refreshSecret),
		accessTTL:     cfg.AccessTTL,
		refreshTTL:    cfg.RefreshTTL,
		now:           time.Now,
	}, nil
}

// WithClock は発行・検証に使う時刻関数を差し替えたServiceを返す。
func (s *Service) WithClock(now func() time.Time) *Service {
	c := *s
	c.now = now
	return &c
}

// IssueAccessToken はユーザーIDを主体とするアクセストークンを発行する。
func (s *Service) IssueAccessToken(userID string) (string, error) {
	return s.issue(userID, KindAccess)
}

// IssueRefreshToken はユーザーIDを主体とするリフレッシュトークンを発行する。
func (s *Service) IssueRefreshToken(userID string) (string, error) {
	return s.issue(userID, KindRefresh)
}

// IssuePair はアクセストークンとリフレッシュトークンをまとめて発行する。
func (s *Service) IssuePair(userID string) (Pair, error) {
	access, err := s.IssueAccessToken(userID)
	if err != nil {
		return Pair{}, err
	}
	refresh, err := s.IssueRefreshToken(userID)
	if err != nil {
		return Pair{}, err
	}
	return Pair{AccessToken: access, RefreshToken: refresh}, nil
}

// AccessTTL はアクセストークンの有効期間を返す。
func (s *Service) AccessTTL() time.Duration { return s.accessTTL }

// RefreshTTL はリフレッシュトークンの有効期間を返す。
func (s *Service) RefreshTTL() time.Duration { return s.refreshTTL }

func (s *Service) issue(userID string, kind Kind) (string, error) {
	if userID == "" {
		return "", errors.New("token: user id is required")
	}

	now := s.now()
	claims := Claims{
		UserID: userID,
		Kind:   kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl(kind))),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret(kind))
	if err != nil {
		return "", fmt.Errorf("failed to sign %s token: %w", kind, err)
	}
	return signed, nil
}

// Verify はトークンを指定種別として検証し、主体のユーザーIDを返す。
// 失敗時はErrMalformed、ErrInvalidSignature、ErrExpiredのいずれかでラップしたエラーを返す。
// 種別の不一致や主体の欠落は署名不正と同じ扱いにする。
func (s *Service) Verify(tokenStr string, expected Kind) (string, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)

	claims := &Claims{}
	_, err := parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret(expected), nil
	})
	if err != nil {
		return "", classify(err)
	}

	if claims.Kind != expected {
		return "", fmt.Errorf("%w: expected %s token, got %q", ErrInvalidSignature, expected, claims.Kind)
	}
	if claims.UserID == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidSignature)
	}
	return claims.UserID, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpired, err)
	default:
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
}

func (s *Service) secret(kind Kind) []byte {
	if kind == KindRefresh {
		return s.refreshSecret
	}
	return s.accessSecret
}

func (s *Service) ttl(kind Kind) time.Duration {
	if kind == KindRefresh {
		return s.refreshTTL
	}
	return s.accessTTL
}
