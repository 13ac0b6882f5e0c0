// Package credential はユーザー資格情報の永続化とパスワードハッシュを扱う。
package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/authstarter/internal/model"
	"github.com/hitoshi/authstarter/internal/repository"
)

const (
	// HashCost はbcryptのコスト係数。
	HashCost = 10

	// DefaultGoogleName はGoogleが表示名を返さなかった場合の名前。
	DefaultGoogleName = "Google User"

	// federatedPasswordPrefix は旧形式のGoogle専用ユーザーが持つプレースホルダの接頭辞。
	federatedPasswordPrefix = "google_"
)

// Store はユーザーの作成・検索・パスワード照合を提供する。
// ハッシュ計算は永続化の前に同期的に行う。
type Store struct {
	repo repository.UserRepository
	cost int
	now  func() time.Time
}

// Option はStoreの生成オプション。
type Option func(*Store)

// WithHashCost はbcryptのコスト係数を変更する。テストで計算時間を短縮するために使う。
func WithHashCost(cost int) Option {
	return func(s *Store) { s.cost = cost }
}

// WithClock は作成日時に使う時刻関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore はStoreを生成する。
func NewStore(repo repository.UserRepository, opts ...Option) *Store {
	s := &Store{
		repo: repo,
		cost: HashCost,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NormalizeEmail はメールアドレスを小文字化し前後の空白を除去する。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// FindByEmail は正規化したメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
func (s *Store) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	return s.repo.FindByEmail(ctx, NormalizeEmail(email))
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (s *Store) FindByID(ctx context.Context, id string) (*model.User, error) {
	return s.repo.FindByID(ctx, id)
}

// CreateWithPassword はパスワード認証ユーザーを作成する。
// メールアドレスが既に存在する場合はDuplicateEmailのAPIErrorを返す。
func (s *Store) CreateWithPassword(ctx context.Context, name, email, password string) (*model.User, error) {
	hash, err := s.hash(password)
	if err != nil {
		return nil, err
	}

	user := s.newUser(name, email, hash)
	if err := s.create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// CreateFederated はGoogleプロフィールからユーザーを作成する。
// パスワードハッシュは空のまま保存するため、パスワードログインは常に失敗する。
func (s *Store) CreateFederated(ctx context.Context, profile model.GoogleProfile) (*model.User, error) {
	name := strings.TrimSpace(profile.Name)
	if name == "" {
		name = DefaultGoogleName
	}

	user := s.newUser(name, profile.Email, "")
	user.GoogleID = profile.Subject
	user.PictureURL = profile.Picture
	user.IsGoogleAuth = true

	if err := s.create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// LinkGoogle は既存ユーザーにGoogleアカウントを紐付け、更新後のユーザーを返す。
// 渡されたuserは変更しない。
func (s *Store) LinkGoogle(ctx context.Context, user *model.User, subject, picture string) (*model.User, error) {
	if err := s.repo.LinkGoogle(ctx, user.ID, subject, picture); err != nil {
		return nil, fmt.Errorf("failed to link google account for user %s: %w", user.ID, err)
	}

	linked := *user
	linked.GoogleID = subject
	linked.IsGoogleAuth = true
	if picture != "" {
		linked.PictureURL = picture
	}
	linked.UpdatedAt = s.now().UTC()
	return &linked, nil
}

// ComparePassword は候補パスワードがユーザーのハッシュと一致するかを返す。
// ハッシュを持たないユーザーと、Google専用ユーザーのプレースホルダ（google_<sub>）は常に不一致。
func (s *Store) ComparePassword(user *model.User, candidate string) bool {
	if user == nil || user.PasswordHash == "" {
		return false
	}
	if user.GoogleID != "" && candidate == federatedPasswordPrefix+user.GoogleID {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(candidate)) == nil
}

func (s *Store) hash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", model.NewValidationError("Password is too long")
		}
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

func (s *Store) newUser(name, email, hash string) *model.User {
	now := s.now().UTC()
	return &model.User{
		ID:           uuid.NewString(),
		Name:         name,
		Email:        NormalizeEmail(email),
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func (s *Store) create(ctx context.Context, user *model.User) error {
	if err := s.repo.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return model.NewDuplicateEmailError()
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}
