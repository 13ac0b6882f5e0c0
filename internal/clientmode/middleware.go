package clientmode

import (
	"context"
	"net/http"
)

type contextKey string

var deliveryContextKey = contextKey("token_delivery")

// Selector はリクエストのModeに応じたDeliveryを選ぶ。
type Selector struct {
	detector *Detector
	web      Delivery
	mobile   Delivery
}

// NewSelector はSelectorを生成する。
func NewSelector(detector *Detector, web, mobile Delivery) *Selector {
	return &Selector{detector: detector, web: web, mobile: mobile}
}

// Select はリクエストに対応するDeliveryを返す。
func (s *Selector) Select(r *http.Request) Delivery {
	if s.detector.Detect(r) == ModeMobile {
		return s.mobile
	}
	return s.web
}

// Middleware はリクエストごとにDeliveryを1度だけ選択し、コンテキストに格納する。
func (s *Selector) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := ContextWithDelivery(r.Context(), s.Select(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ContextWithDelivery はコンテキストにDeliveryを格納する。
func ContextWithDelivery(ctx context.Context, d Delivery) context.Context {
	return context.WithValue(ctx, deliveryContextKey, d)
}

// FromContext はコンテキストからDeliveryを取り出す。
func FromContext(ctx context.Context) (Delivery, bool) {
	d, ok := ctx.Value(deliveryContextKey).(Delivery)
	return d, ok && d != nil
}
