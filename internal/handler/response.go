// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/hitoshi/authstarter/internal/middleware"
	"github.com/hitoshi/authstarter/internal/model"
)

// successData は成功レスポンスをエンベロープに包んで書き込む。
func successData(w http.ResponseWriter, statusCode int, data any) {
	middleware.WriteJSON(w, statusCode, middleware.Envelope{
		Status: "success",
		Data:   data,
	})
}

// successMessage はデータを持たない成功レスポンスを書き込む。
func successMessage(w http.ResponseWriter, statusCode int, message string) {
	middleware.WriteJSON(w, statusCode, middleware.Envelope{
		Status:  "success",
		Message: message,
	})
}

// errorWriter はエラーをレスポンスに変換する。開発環境でのみ内部エラーの詳細を含める。
type errorWriter struct {
	exposeDetail bool
}

func (e errorWriter) write(w http.ResponseWriter, r *http.Request, err error) {
	middleware.WriteError(w, r, err, e.exposeDetail)
}

// decodeJSON はリクエストボディをdstにデコードする。
// ボディが空の場合はゼロ値のまま成功とし、必須項目の検証は呼び出し側に委ねる。
func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}

	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return model.NewValidationError(fmt.Sprintf("Request body must not exceed %d bytes", maxErr.Limit))
	}
	return model.NewValidationError("Invalid JSON in request body")
}
