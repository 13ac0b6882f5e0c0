package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/hitoshi/authstarter/internal/model"
)

// userDocument はusersコレクションのドキュメント表現。
// google_idはsparseな一意インデックスのため、未設定時はフィールド自体を持たない。
type userDocument struct {
	ID           string    `bson:"_id"`
	Name         string    `bson:"name"`
	Email        string    `bson:"email"`
	PasswordHash string    `bson:"password_hash"`
	GoogleID     string    `bson:"google_id,omitempty"`
	PictureURL   string    `bson:"picture_url,omitempty"`
	IsGoogleAuth bool      `bson:"is_google_auth"`
	CreatedAt    time.Time `bson:"created_at"`
	UpdatedAt    time.Time `bson:"updated_at"`
}

func toUserDocument(u *model.User) userDocument {
	return userDocument{
		ID:           u.ID,
		Name:         u.Name,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		GoogleID:     u.GoogleID,
		PictureURL:   u.PictureURL,
		IsGoogleAuth: u.IsGoogleAuth,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func (d *userDocument) toModel() *model.User {
	return &model.User{
		ID:           d.ID,
		Name:         d.Name,
		Email:        d.Email,
		PasswordHash: d.PasswordHash,
		GoogleID:     d.GoogleID,
		PictureURL:   d.PictureURL,
		IsGoogleAuth: d.IsGoogleAuth,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

// MongoUserRepo はMongoDBを使用したユーザーリポジトリ。
type MongoUserRepo struct {
	client *mongo.Client
	users  *mongo.Collection
}

// NewMongoUserRepo はMongoUserRepoを生成する。
func NewMongoUserRepo(client *mongo.Client, db *mongo.Database) *MongoUserRepo {
	return &MongoUserRepo{client: client, users: db.Collection("users")}
}

// FindByEmail はメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
func (r *MongoUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	user, err := r.findOne(ctx, bson.D{{Key: "email", Value: strings.ToLower(email)}})
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	return user, nil
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *MongoUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	user, err := r.findOne(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	return user, nil
}

func (r *MongoUserRepo) findOne(ctx context.Context, filter bson.D) (*model.User, error) {
	var doc userDocument
	err := r.users.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc.toModel(), nil
}

// Create はユーザーを作成する。
// 一意インデックス違反はErrDuplicateEmailまたはErrDuplicateGoogleIDに変換する。
func (r *MongoUserRepo) Create(ctx context.Context, user *model.User) error {
	if _, err := r.users.InsertOne(ctx, toUserDocument(user)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			if strings.Contains(err.Error(), "google_id") {
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
func (r *MongoUserRepo) LinkGoogle(ctx context.Context, userID, googleID, pictureURL string) error {
	set := bson.D{
		{Key: "google_id", Value: googleID},
		{Key: "is_google_auth", Value: true},
		{Key: "updated_at", Value: time.Now().UTC()},
	}
	if pictureURL != "" {
		set = append(set, bson.E{Key: "picture_url", Value: pictureURL})
	}

	result, err := r.users.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: userID}},
		bson.D{{Key: "$set", Value: set}},
	)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateGoogleID
		}
		return fmt.Errorf("failed to link google account: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrUserNotFound
	}
	return nil
}

// PingContext はMongoDBへの疎通を確認する。
func (r *MongoUserRepo) PingContext(ctx context.Context) error {
	return r.client.Ping(ctx, nil)
}

// compile-time interface check
var (
	_ UserRepository = (*MongoUserRepo)(nil)
	_ Pinger         = (*MongoUserRepo)(nil)
)
