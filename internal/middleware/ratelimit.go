package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/authstarter/internal/model"
)

// RateLimitRecorder はレート制限による拒否を記録する。metrics.Collectorが満たす。
type RateLimitRecorder interface {
	RecordRateLimited(limiter string)
}

// LimitRule はレート制限の1区分の設定。キーは(区分名, クライアントIP)。
type LimitRule struct {
	Name           string
	Max            int
	Window         time.Duration
	Message        string
	SkipSuccessful bool                       // 400未満で終わったリクエストをカウントしない
	Skip           func(r *http.Request) bool // trueを返したリクエストは制限の対象外
}

// 既定の区分。
const (
	LimitGeneral  = "general"
	LimitLogin    = "login"
	LimitRegister = "register"
	LimitGoogle   = "google"
)

// HealthCheckPath はGeneral区分の対象外とするヘルスチェックのパス。
const HealthCheckPath = "/api/monitoring/health"

// GeneralRule はAPI全般の制限（既定 1000回/15分）を返す。ヘルスチェックは対象外。
func GeneralRule(max int, window time.Duration) LimitRule {
	return LimitRule{
		Name:    LimitGeneral,
		Max:     max,
		Window:  window,
		Message: "Too many requests from this IP, please try again later.",
		Skip: func(r *http.Request) bool {
			return r.URL.Path == HealthCheckPath
		},
	}
}

// LoginRule はログインの制限（既定 10回/15分、成功はカウントしない）を返す。
func LoginRule(max int, window time.Duration) LimitRule {
	return LimitRule{
		Name:           LimitLogin,
		Max:            max,
		Window:         window,
		Message:        "Too many authentication attempts, please try again later.",
		SkipSuccessful: true,
	}
}

// RegisterRule は登録の制限（既定 5回/1時間）を返す。
func RegisterRule(max int, window time.Duration) LimitRule {
	return LimitRule{
		Name:    LimitRegister,
		Max:     max,
		Window:  window,
		Message: "Too many registration attempts, please try again later.",
	}
}

// GoogleRule はGoogle認証の制限（既定 20回/15分、成功はカウントしない）を返す。
func GoogleRule(max int, window time.Duration) LimitRule {
	return LimitRule{
		Name:           LimitGoogle,
		Max:            max,
		Window:         window,
		Message:        "Too many Google authentication attempts, please try again later.",
		SkipSuccessful: true,
	}
}

// RateLimiter はクライアントIPごとの固定ウィンドウ制限を管理する。
// ストアの障害時はリクエストを通過させる（fail open）。
type RateLimiter struct {
	store    RateLimitStore
	recorder RateLimitRecorder
	now      func() time.Time

	warnLog rate.Sometimes
}

// NewRateLimiter は新しいRateLimiterを生成する。recorderはnilでもよい。
func NewRateLimiter(store RateLimitStore, recorder RateLimitRecorder) *RateLimiter {
	return &RateLimiter{
		store:    store,
		recorder: recorder,
		now:      time.Now,
		warnLog:  rate.Sometimes{Interval: 10 * time.Second},
	}
}

// Middleware はruleに従うレート制限ミドルウェアを返す。
// RateLimit-Limit、RateLimit-Remaining、RateLimit-Resetヘッダーを付与し、
// 超過時は429とRetry-Afterを返す。
func (rl *RateLimiter) Middleware(rule LimitRule) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rule.Skip != nil && rule.Skip(r) {
				next.ServeHTTP(w, r)
				return
			}

			ip := clientIP(r)
			key := rule.Name + ":" + ip

			count, resetAt, err := rl.store.Increment(r.Context(), key, rule.Window)
			if err != nil {
				slog.Error("rate limit store failed, allowing request",
					slog.String("limiter", rule.Name),
					slog.String("error", err.Error()),
				)
				next.ServeHTTP(w, r)
				return
			}

			resetSec := int(math.Ceil(resetAt.Sub(rl.now()).Seconds()))
			if resetSec < 1 {
				resetSec = 1
			}
			remaining := rule.Max - count
			if remaining < 0 {
				remaining = 0
			}
			h := w.Header()
			h.Set("RateLimit-Limit", strconv.Itoa(rule.Max))
			h.Set("RateLimit-Remaining", strconv.Itoa(remaining))
			h.Set("RateLimit-Reset", strconv.Itoa(resetSec))

			if count > rule.Max {
				h.Set("Retry-After", strconv.Itoa(resetSec))
				if rl.recorder != nil {
					rl.recorder.RecordRateLimited(rule.Name)
				}
				rl.warnLog.Do(func() {
					slog.Warn("rate limit exceeded",
						slog.String("limiter", rule.Name),
						slog.String("ip", ip),
						slog.Int("count", count),
					)
				})
				WriteErrorResponse(w, model.NewRateLimitedError(rule.Message))
				return
			}

			if !rule.SkipSuccessful {
				next.ServeHTTP(w, r)
				return
			}

			rec := &statusRecorder{ResponseWriter: w, start: rl.now(), statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)
			// ウィンドウが切り替わった後に減算すると新しいウィンドウの失敗回数を打ち消してしまう
			if rec.statusCode < http.StatusBadRequest && rl.now().Before(resetAt) {
				if err := rl.store.Decrement(r.Context(), key); err != nil {
					slog.Error("rate limit decrement failed",
						slog.String("limiter", rule.Name),
						slog.String("error", err.Error()),
					)
				}
			}
		})
	}
}

// clientIP はRemoteAddrからポートを除いたIPを返す。
// プロキシ配下ではNewClientIPMiddlewareで信頼済みプロキシ経由の場合のみRemoteAddrを書き換えておく。
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
