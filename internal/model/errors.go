// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"net/http"
)

// APIError はクライアントに返す運用エラーを表す。
// Messageはレスポンスにそのまま載るため、内部情報を含めてはならない。
type APIError struct {
	Status   int    // HTTPステータスコード
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, system
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeValidation            = "VALIDATION_ERROR"
	ErrCodeDuplicateEmail        = "DUPLICATE_EMAIL"
	ErrCodeInvalidCredentials    = "INVALID_CREDENTIALS"
	ErrCodeNotLoggedIn           = "NOT_LOGGED_IN"
	ErrCodeInvalidToken          = "INVALID_TOKEN"
	ErrCodeTokenExpired          = "TOKEN_EXPIRED"
	ErrCodeUserNoLongerExists    = "USER_NO_LONGER_EXISTS"
	ErrCodeMissingToken          = "MISSING_TOKEN"
	ErrCodeInvalidOrExpiredToken = "INVALID_OR_EXPIRED_TOKEN"
	ErrCodeUserNotFound          = "USER_NOT_FOUND"
	ErrCodeNotFound              = "NOT_FOUND"
	ErrCodeMethodNotAllowed      = "METHOD_NOT_ALLOWED"
	ErrCodeInvalidFormat         = "INVALID_FORMAT"
	ErrCodeMissingEmail          = "MISSING_EMAIL"
	ErrCodeMissingCode           = "MISSING_CODE"
	ErrCodeInvalidState          = "INVALID_STATE"
	ErrCodeAuthenticationFailed  = "AUTHENTICATION_FAILED"
	ErrCodeNotConfigured         = "NOT_CONFIGURED"
	ErrCodeRateLimited           = "RATE_LIMITED"
	ErrCodeTimeout               = "TIMEOUT"
	ErrCodeInternal              = "INTERNAL_ERROR"
)

// MessageInvalidCredentials はメール不一致とパスワード不一致で共通のメッセージ。
const MessageInvalidCredentials = "Invalid email or password"

// MessageInternal は分類されないエラーに対する汎用メッセージ。
const MessageInternal = "Something went wrong!"

// NewValidationError は入力検証エラーを生成する。
func NewValidationError(message string) *APIError {
	return &APIError{
		Status:   http.StatusBadRequest,
		Code:     ErrCodeValidation,
		Message:  message,
		Category: "validation",
	}
}

// NewDuplicateEmailError はメールアドレス重複エラーを生成する。
func NewDuplicateEmailError() *APIError {
	return &APIError{
		Status:   http.StatusBadRequest,
		Code:     ErrCodeDuplicateEmail,
		Message:  "User already exists with this email",
		Category: "validation",
	}
}

// NewInvalidCredentialsError は認証情報不一致エラーを生成する。
// メール未登録とパスワード不一致を区別しない。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Status:   http.StatusUnauthorized,
		Code:     ErrCodeInvalidCredentials,
		Message:  MessageInvalidCredentials,
		Category: "auth",
	}
}

// NewNotLoggedInError はトークン未提示エラーを生成する。
func NewNotLoggedInError() *APIError {
	return &APIError{
		Status:   http.StatusUnauthorized,
		Code:     ErrCodeNotLoggedIn,
		Message:  "You are not logged in! Please log in to get access.",
		Category: "auth",
	}
}

// NewInvalidTokenError は署名不正・形式不正トークンのエラーを生成する。
func NewInvalidTokenError() *APIError {
	return &APIError{
		Status:   http.StatusUnauthorized,
		Code:     ErrCodeInvalidToken,
		Message:  "Invalid token. Please log in again!",
		Category: "auth",
	}
}

// NewTokenExpiredError は期限切れトークンのエラーを生成する。
func NewTokenExpiredError() *APIError {
	return &APIError{
		Status:   http.StatusUnauthorized,
		Code:     ErrCodeTokenExpired,
		Message:  "Your token has expired! Please log in again.",
		Category: "auth",
	}
}

// NewUserNoLongerExistsError はトークン発行後にユーザーが消えた場合のエラーを生成する。
func NewUserNoLongerExistsError() *APIError {
	return &APIError{
		Status:   http.StatusUnauthorized,
		Code:     ErrCodeUserNoLongerExists,
		Message:  "The user belonging to this token no longer exists.",
		Category: "auth",
	}
}

// NewMissingTokenError はリフレッシュトークン未提示エラーを生成する。
func NewMissingTokenError() *APIError {
	return &APIError{
		Status:   http.StatusUnauthorized,
		Code:     ErrCodeMissingToken,
		Message:  "Refresh token not provided",
		Category: "auth",
	}
}

// NewInvalidOrExpiredTokenError はリフレッシュトークン検証失敗エラーを生成する。
func NewInvalidOrExpiredTokenError() *APIError {
	return &APIError{
		Status:   http.StatusUnauthorized,
		Code:     ErrCodeInvalidOrExpiredToken,
		Message:  "Invalid or expired refresh token",
		Category: "auth",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Status:   http.StatusNotFound,
		Code:     ErrCodeUserNotFound,
		Message:  "User not found",
		Category: "auth",
	}
}

// NewNotFoundError は未定義ルートのエラーを生成する。
func NewNotFoundError(path string) *APIError {
	return &APIError{
		Status:   http.StatusNotFound,
		Code:     ErrCodeNotFound,
		Message:  fmt.Sprintf("Can't find %s on this server!", path),
		Category: "system",
	}
}

// NewMethodNotAllowedError は許可されていないメソッドのエラーを生成する。
func NewMethodNotAllowedError(method, path string) *APIError {
	return &APIError{
		Status:   http.StatusMethodNotAllowed,
		Code:     ErrCodeMethodNotAllowed,
		Message:  fmt.Sprintf("Method %s is not allowed on %s", method, path),
		Category: "system",
	}
}

// NewInvalidFormatError はGoogleクレデンシャルの形式不正エラーを生成する。
func NewInvalidFormatError() *APIError {
	return &APIError{
		Status:   http.StatusBadRequest,
		Code:     ErrCodeInvalidFormat,
		Message:  "Invalid Google credential format",
		Category: "validation",
	}
}

// NewMissingCredentialError はGoogleクレデンシャル未提示エラーを生成する。
func NewMissingCredentialError() *APIError {
	return &APIError{
		Status:   http.StatusBadRequest,
		Code:     ErrCodeValidation,
		Message:  "Google credential not provided",
		Category: "validation",
	}
}

// NewMissingEmailError はIdPがメールアドレスを返さなかった場合のエラーを生成する。
func NewMissingEmailError() *APIError {
	return &APIError{
		Status:   http.StatusBadRequest,
		Code:     ErrCodeMissingEmail,
		Message:  "Email not provided by Google",
		Category: "validation",
	}
}

// NewMissingCodeError は認可コード未提示エラーを生成する。
func NewMissingCodeError() *APIError {
	return &APIError{
		Status:   http.StatusBadRequest,
		Code:     ErrCodeMissingCode,
		Message:  "Authorization code not provided",
		Category: "validation",
	}
}

// NewInvalidStateError はOAuth stateの不一致エラーを生成する。
func NewInvalidStateError() *APIError {
	return &APIError{
		Status:   http.StatusBadRequest,
		Code:     ErrCodeInvalidState,
		Message:  "Invalid OAuth state",
		Category: "auth",
	}
}

// NewAuthenticationFailedError は外部IdP認証失敗エラーを生成する。
// 署名・audience・期限切れなどの内部理由はログにのみ残す。
func NewAuthenticationFailedError() *APIError {
	return &APIError{
		Status:   http.StatusUnauthorized,
		Code:     ErrCodeAuthenticationFailed,
		Message:  "Google authentication failed",
		Category: "auth",
	}
}

// NewNotConfiguredError は外部IdPが未設定の場合のエラーを生成する。
func NewNotConfiguredError() *APIError {
	return &APIError{
		Status:   http.StatusInternalServerError,
		Code:     ErrCodeNotConfigured,
		Message:  "Google authentication is not configured",
		Category: "system",
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError(message string) *APIError {
	return &APIError{
		Status:   http.StatusTooManyRequests,
		Code:     ErrCodeRateLimited,
		Message:  message,
		Category: "system",
	}
}

// NewTimeoutError はリクエストタイムアウトエラーを生成する。
func NewTimeoutError() *APIError {
	return &APIError{
		Status:   http.StatusGatewayTimeout,
		Code:     ErrCodeTimeout,
		Message:  "Request timeout",
		Category: "system",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログにのみ記録する。
func NewInternalError() *APIError {
	return &APIError{
		Status:   http.StatusInternalServerError,
		Code:     ErrCodeInternal,
		Message:  MessageInternal,
		Category: "system",
	}
}
