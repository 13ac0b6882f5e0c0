package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/authstarter/internal/model"
)

// Envelope はすべてのAPIレスポンスの統一フォーマット。
// 成功時はData、失敗時はMessageを持つ。Errorは開発環境でのみ内部エラーの詳細を載せる。
type Envelope struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StatusLabel はHTTPステータスに対応するエンベロープのstatus値を返す。
// 2xx/3xxは"success"、4xxは"fail"、5xxは"error"。
func StatusLabel(code int) string {
	switch {
	case code >= 500:
		return "error"
	case code >= 400:
		return "fail"
	default:
		return "success"
	}
}

// WriteJSON はJSONレスポンスを書き込む。
func WriteJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, apiErr *model.APIError) {
	WriteJSON(w, apiErr.Status, Envelope{
		Status:  StatusLabel(apiErr.Status),
		Message: apiErr.Message,
	})
}

// WriteError は任意のエラーをレスポンスに変換する。
// *model.APIErrorはそのステータスとメッセージで返し、それ以外は詳細をログに記録して500を返す。
// exposeDetailがtrueの場合（開発環境）のみ、500のレスポンスに内部エラーの文字列を含める。
func WriteError(w http.ResponseWriter, r *http.Request, err error, exposeDetail bool) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		WriteErrorResponse(w, apiErr)
		return
	}

	slog.Error("unhandled error",
		slog.String("error", err.Error()),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("request_id", RequestIDFromContext(r.Context())),
	)

	body := Envelope{Status: "error", Message: model.MessageInternal}
	if exposeDetail {
		body.Error = err.Error()
	}
	WriteJSON(w, http.StatusInternalServerError, body)
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, model.NewInternalError())
}
