package middleware

import "net/http"

// DefaultMaxBodyBytes はJSONボディの上限（10KiB）。
const DefaultMaxBodyBytes int64 = 10 << 10

// NewBodyLimitMiddleware はリクエストボディをmaxBytesに制限するミドルウェアを返す。
// 上限を超えた読み取りはhttp.MaxBytesErrorを返す。
func NewBodyLimitMiddleware(maxBytes int64) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
