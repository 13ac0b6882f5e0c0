package database

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// defaultMongoDatabase は接続URLにデータベース名が含まれない場合に使う名前。
const defaultMongoDatabase = "authstarter"

// OpenMongo はMongoDBクライアントを生成し、URLのパスで指定されたデータベースを返す。
// mongo.Connectは接続を確立しないため、到達確認にはPingを使用すること。
func OpenMongo(uri string, pool PoolConfig) (*mongo.Client, *mongo.Database, error) {
	opts := options.Client().ApplyURI(uri)
	if pool.MaxOpenConns > 0 {
		opts.SetMaxPoolSize(uint64(pool.MaxOpenConns))
	}
	if pool.MaxIdleConns > 0 {
		opts.SetMinPoolSize(uint64(pool.MaxIdleConns))
	}

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect mongodb: %w", err)
	}

	return client, client.Database(MongoDatabaseName(uri)), nil
}

// MongoDatabaseName は接続URLのパスからデータベース名を取り出す。
func MongoDatabaseName(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return defaultMongoDatabase
	}
	name := strings.Trim(u.Path, "/")
	if name == "" {
		return defaultMongoDatabase
	}
	return name
}

// EnsureUserIndexes はusersコレクションのインデックスを作成する。
// emailは一意、google_idは存在するドキュメントのみ一意とする。
func EnsureUserIndexes(ctx context.Context, db *mongo.Database) error {
	_, err := db.Collection("users").Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetName("idx_users_email").SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "google_id", Value: 1}},
			Options: options.Index().SetName("idx_users_google_id").SetUnique(true).SetSparse(true),
		},
		{
			Keys:    bson.D{{Key: "created_at", Value: -1}},
			Options: options.Index().SetName("idx_users_created_at"),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create user indexes: %w", err)
	}
	return nil
}
