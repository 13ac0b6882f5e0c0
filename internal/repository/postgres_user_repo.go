package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/authstarter/internal/model"
)

// uniqueViolation はPostgreSQLの一意制約違反を表すSQLSTATE。
const uniqueViolation = "23505"

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

const selectUserColumns = `SELECT id, name, email, password_hash, COALESCE(google_id, ''), COALESCE(picture_url, ''),
	is_google_auth, created_at, updated_at FROM users`

// FindByEmail はメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	user, err := r.scanOne(r.db.QueryRowContext(ctx, selectUserColumns+` WHERE LOWER(email) = LOWER($1)`, email))
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	return user, nil
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
// UUIDとして不正なIDも未検出として扱う。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	user, err := r.scanOne(r.db.QueryRowContext(ctx, selectUserColumns+` WHERE id::text = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	return user, nil
}

func (r *PostgresUserRepo) scanOne(row *sql.Row) (*model.User, error) {
	user := &model.User{}
	err := row.Scan(
		&user.ID, &user.Name, &user.Email, &user.PasswordHash, &user.GoogleID, &user.PictureURL,
		&user.IsGoogleAuth, &user.CreatedAt, &user.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

// Create はユーザーを作成する。
// 一意制約違反はErrDuplicateEmailに変換する。
func (r *PostgresUserRepo) Create(ctx context.Context, user *model.User) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, name, email, password_hash, google_id, picture_url, is_google_auth, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8, $9)`,
		user.ID, user.Name, user.Email, user.PasswordHash, user.GoogleID, user.PictureURL,
		user.IsGoogleAuth, user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			if pqErr.Constraint == "idx_users_google_id" {
				return ErrDuplicateGoogleID
			}
			return ErrDuplicateEmail
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// LinkGoogle は既存ユーザーにGoogleアカウントを紐付ける。
// pictureURLが空の場合は既存の値を保持する。
func (r *PostgresUserRepo) LinkGoogle(ctx context.Context, userID, googleID, pictureURL string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users
		 SET google_id = $2, is_google_auth = TRUE, picture_url = COALESCE(NULLIF($3, ''), picture_url), updated_at = NOW()
		 WHERE id::text = $1`,
		userID, googleID, pictureURL,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrDuplicateGoogleID
		}
		return fmt.Errorf("failed to link google account: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// PingContext はデータベースへの疎通を確認する。
func (r *PostgresUserRepo) PingContext(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// compile-time interface check
var (
	_ UserRepository = (*PostgresUserRepo)(nil)
	_ Pinger         = (*PostgresUserRepo)(nil)
)
