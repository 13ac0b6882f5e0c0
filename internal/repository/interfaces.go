// Package repository はデータ永続化のインターフェースと実装を提供する。
package repository

import (
	"context"
	"errors"

	"github.com/hitoshi/authstarter/internal/model"
)

// ErrDuplicateEmail は同じメールアドレスのユーザーが既に存在する場合に返される。
var ErrDuplicateEmail = errors.New("user with this email already exists")

// ErrDuplicateGoogleID は同じGoogleアカウントが別ユーザーに紐付いている場合に返される。
var ErrDuplicateGoogleID = errors.New("google account already linked to another user")

// ErrUserNotFound は更新対象のユーザーが存在しない場合に返される。
var ErrUserNotFound = errors.New("user not found")

// UserRepository はユーザーデータの永続化インターフェース。
// メールアドレスは呼び出し側で正規化済み（小文字・前後空白除去）であることを前提とする。
type UserRepository interface {
	// FindByEmail はメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// Create はユーザーを作成する。
	// メールアドレスが重複する場合はErrDuplicateEmailを返し、既存レコードは変更しない。
	Create(ctx context.Context, user *model.User) error

	// LinkGoogle は既存ユーザーにGoogleアカウントを紐付ける。
	// google_id、is_google_auth、picture_urlをその場で更新する。
	LinkGoogle(ctx context.Context, userID, googleID, pictureURL string) error
}

// Pinger はストアへの疎通確認を行うインターフェース。
type Pinger interface {
	PingContext(ctx context.Context) error
}
