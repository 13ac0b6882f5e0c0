// Package user はユーザープロフィールのドメインロジックを提供する。
package user

import (
	"context"
	"fmt"

	"github.com/hitoshi/authstarter/internal/model"
)

// UserFinder はユーザーの検索インターフェース。*credential.Store が満たす。
type UserFinder interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
}

// Service はプロフィール取得のサービス層。
// ゲートが解決したキャッシュ済みの情報ではなく、常にストアの最新値を返す。
type Service struct {
	users UserFinder
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(users UserFinder) *Service {
	return &Service{users: users}
}

// Profile は指定ユーザーの公開プロフィールを返す。
// ユーザーが存在しない場合はUserNotFound（404）を返す。
func (s *Service) Profile(ctx context.Context, userID string) (*model.Profile, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}

	return &model.Profile{
		ID:        user.ID,
		Name:      user.Name,
		Email:     user.Email,
		CreatedAt: user.CreatedAt,
	}, nil
}
