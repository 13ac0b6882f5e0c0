// Package model はドメインモデルを定義する。
package model

import "time"

// User はサービス利用ユーザーを表す。
// Google連携のみのユーザーはPasswordHashが空で、パスワードでは認証できない。
type User struct {
	ID           string
	Name         string
	Email        string
	PasswordHash string `json:"-"`
	GoogleID     string
	PictureURL   string
	IsGoogleAuth bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasGoogleLink はGoogleアカウントと紐付け済みかを返す。
func (u *User) HasGoogleLink() bool {
	return u.GoogleID != ""
}

// PublicUser はクライアントに返す公開プロジェクション。
type PublicUser struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Public はUserの公開プロジェクションを返す。
func (u *User) Public() PublicUser {
	return PublicUser{ID: u.ID, Name: u.Name, Email: u.Email}
}

// CachedIdentity はキャッシュおよびリクエストコンテキストに載せる認証済みユーザー情報。
// パスワードハッシュは含まない。
type CachedIdentity struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Picture   *string   `json:"picture"`
	CreatedAt time.Time `json:"createdAt"`
}

// Identity はUserからCachedIdentityを生成する。
func (u *User) Identity() CachedIdentity {
	var picture *string
	if u.PictureURL != "" {
		p := u.PictureURL
		picture = &p
	}
	return CachedIdentity{
		ID:        u.ID,
		Name:      u.Name,
		Email:     u.Email,
		Picture:   picture,
		CreatedAt: u.CreatedAt,
	}
}

// Profile は/users/profileで返すプロフィール。
type Profile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

// GoogleProfile は検証済みGoogle IDトークンから取り出したユーザー情報。
type GoogleProfile struct {
	Subject string
	Email   string
	Name    string
	Picture string
}
