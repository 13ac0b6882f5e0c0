package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// HTTPRecorder はレスポンスのステータスと処理時間を記録する。
// metrics.Collectorが満たす。
type HTTPRecorder interface {
	RecordHTTPRequest(statusCode int, duration time.Duration)
}

// LoggingConfig はアクセスログの設定。
type LoggingConfig struct {
	SlowThreshold     time.Duration // これを超えるとwarnで"slow request detected"
	VerySlowThreshold time.Duration // これを超えるとerrorで"very slow request detected"
}

// DefaultLoggingConfig は既定の閾値（1秒、5秒）を返す。
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		SlowThreshold:     time.Second,
		VerySlowThreshold: 5 * time.Second,
	}
}

// statusRecorder はhttp.ResponseWriterをラップし、ステータスコードを記録する。
// ヘッダー送出時にX-Response-Timeを設定する。
type statusRecorder struct {
	http.ResponseWriter
	start      time.Time
	statusCode int
	written    bool
}

// WriteHeader はステータスコードを記録してから委譲する。
func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.written {
		sr.statusCode = code
		sr.written = true
		elapsed := time.Since(sr.start)
		sr.Header().Set("X-Response-Time", fmt.Sprintf("%dms", elapsed.Milliseconds()))
	}
	sr.ResponseWriter.WriteHeader(code)
}

// Write はデータを書き込む。WriteHeaderが未呼び出しの場合は200を記録する。
func (sr *statusRecorder) Write(b []byte) (int, error) {
	if !sr.written {
		sr.WriteHeader(http.StatusOK)
	}
	return sr.ResponseWriter.Write(b)
}

// Unwrap はhttp.ResponseControllerから元のResponseWriterを辿れるようにする。
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// NewLoggingMiddleware はリクエストのJSON構造化ログを出力するミドルウェアを返す。
// ログにはmethod、path、status、duration_ms、request_id、user_id（認証済みの場合）を含む。
// recorderがnilでなければステータスと処理時間を記録する。
func NewLoggingMiddleware(logger *slog.Logger, cfg LoggingConfig, recorder HTTPRecorder) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			state := &requestState{}
			r = r.WithContext(context.WithValue(r.Context(), requestStateContextKey, state))

			rec := &statusRecorder{
				ResponseWriter: w,
				start:          start,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rec, r)

			duration := time.Since(start)
			durationMs := float64(duration.Nanoseconds()) / float64(time.Millisecond)

			attrs := []any{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Float64("duration_ms", durationMs),
			}
			if id := RequestIDFromContext(r.Context()); id != "" {
				attrs = append(attrs, slog.String("request_id", id))
			}
			if userID := state.getUserID(); userID != "" {
				attrs = append(attrs, slog.String("user_id", userID))
			}

			// slogのログレベルをステータスコードに応じて変更
			level := slog.LevelInfo
			if rec.statusCode >= 500 {
				level = slog.LevelError
			} else if rec.statusCode >= 400 {
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "http_request", attrs...)

			switch {
			case cfg.VerySlowThreshold > 0 && duration > cfg.VerySlowThreshold:
				logger.Log(r.Context(), slog.LevelError, "very slow request detected", attrs...)
			case cfg.SlowThreshold > 0 && duration > cfg.SlowThreshold:
				logger.Log(r.Context(), slog.LevelWarn, "slow request detected", attrs...)
			}

			if recorder != nil {
				recorder.RecordHTTPRequest(rec.statusCode, duration)
			}
		})
	}
}
