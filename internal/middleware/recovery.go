package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"
)

// PanicRecorder はハンドラー内で回復したpanicを記録する。
// metrics.Collectorが満たす。
type PanicRecorder interface {
	RecordPanic()
}

// NewRecoveryMiddleware はハンドラーのpanicを回復して500の統一レスポンスを返す。
// recorderがnilの場合はログ出力のみ行う。
func NewRecoveryMiddleware(recorder PanicRecorder) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				// 接続中断はnet/httpに処理させる
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				if recorder != nil {
					recorder.RecordPanic()
				}
				slog.Error("handler panic",
					slog.Any("panic", rec),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("request_id", RequestIDFromContext(r.Context())),
					slog.String("stack", string(debug.Stack())),
				)
				WriteInternalServerError(w)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
