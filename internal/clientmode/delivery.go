package clientmode

import (
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/authstarter/internal/token"
)

// Cookie名。
const (
	AccessCookieName  = "token"
	RefreshCookieName = "refreshToken"
)

// Delivery はクライアントモードごとのトークン受け渡し方法。
// リクエストごとに1度だけ選択し、各フローに渡す。
type Delivery interface {
	// Mode は配送方法が対応するクライアントモードを返す。
	Mode() Mode
	// Deliver はトークンをクライアントへ渡す。
	// レスポンスボディに含めるべきフィールドを返す（Cookie配送の場合はnil）。
	Deliver(w http.ResponseWriter, pair token.Pair) map[string]string
	// Clear はクライアント側に保持されたトークンを破棄させる。
	Clear(w http.ResponseWriter)
	// AccessToken はリクエストからアクセストークンを取り出す。無い場合は空文字。
	AccessToken(r *http.Request) string
	// RefreshToken はリクエストからリフレッシュトークンを取り出す。
	// bodyTokenはJSONボディのrefreshTokenフィールドの値。
	RefreshToken(r *http.Request, bodyToken string) string
}

// CookieConfig はトークンCookieの属性。
type CookieConfig struct {
	Domain        string
	Secure        bool
	SameSite      http.SameSite
	AccessMaxAge  time.Duration
	RefreshMaxAge time.Duration
}

// WebDelivery はhttpOnly Cookieでトークンを受け渡す。
type WebDelivery struct {
	cookie CookieConfig
	now    func() time.Time
}

// NewWebDelivery はWebDeliveryを生成する。
func NewWebDelivery(cfg CookieConfig) *WebDelivery {
	return &WebDelivery{cookie: cfg, now: time.Now}
}

// Mode はModeWebを返す。
func (d *WebDelivery) Mode() Mode { return ModeWeb }

// Deliver はアクセストークンとリフレッシュトークンをそれぞれの有効期間でCookieに設定する。
func (d *WebDelivery) Deliver(w http.ResponseWriter, pair token.Pair) map[string]string {
	now := d.now()
	http.SetCookie(w, d.newCookie(AccessCookieName, pair.AccessToken, d.cookie.AccessMaxAge, now))
	http.SetCookie(w, d.newCookie(RefreshCookieName, pair.RefreshToken, d.cookie.RefreshMaxAge, now))
	return nil
}

// Clear は両方のCookieを設定時と同じ属性で失効させる。
func (d *WebDelivery) Clear(w http.ResponseWriter) {
	for _, name := range []string{AccessCookieName, RefreshCookieName} {
		c := d.newCookie(name, "", 0, time.Unix(0, 0))
		c.MaxAge = -1
		c.Expires = time.Unix(0, 0)
		http.SetCookie(w, c)
	}
}

// AccessToken はtoken Cookieを優先し、無ければAuthorizationヘッダーのBearerトークンを返す。
func (d *WebDelivery) AccessToken(r *http.Request) string {
	if c, err := r.Cookie(AccessCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	return BearerToken(r)
}

// RefreshToken はrefreshToken Cookieの値を返す。ボディの値は使わない。
func (d *WebDelivery) RefreshToken(r *http.Request, bodyToken string) string {
	if c, err := r.Cookie(RefreshCookieName); err == nil {
		return c.Value
	}
	return ""
}

func (d *WebDelivery) newCookie(name, value string, maxAge time.Duration, now time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   d.cookie.Domain,
		Expires:  now.Add(maxAge),
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		Secure:   d.cookie.Secure,
		SameSite: d.cookie.SameSite,
	}
}

// MobileDelivery はレスポンスボディでトークンを返し、Authorizationヘッダーで受け取る。
type MobileDelivery struct{}

// NewMobileDelivery はMobileDeliveryを生成する。
func NewMobileDelivery() *MobileDelivery {
	return &MobileDelivery{}
}

// Mode はModeMobileを返す。
func (d *MobileDelivery) Mode() Mode { return ModeMobile }

// Deliver はtokenとrefreshTokenをレスポンスボディ用に返す。
func (d *MobileDelivery) Deliver(w http.ResponseWriter, pair token.Pair) map[string]string {
	return map[string]string{
		"token":        pair.AccessToken,
		"refreshToken": pair.RefreshToken,
	}
}

// Clear は何もしない。モバイルクライアントが保持するトークンはサーバーから破棄できない。
func (d *MobileDelivery) Clear(w http.ResponseWriter) {}

// AccessToken はAuthorizationヘッダーのBearerトークンを返す。
func (d *MobileDelivery) AccessToken(r *http.Request) string {
	return BearerToken(r)
}

// RefreshToken はボディのrefreshTokenを返す。
func (d *MobileDelivery) RefreshToken(r *http.Request, bodyToken string) string {
	return bodyToken
}

// BearerToken はAuthorization: Bearer <token> からトークンを取り出す。
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

// compile-time interface check
var (
	_ Delivery = (*WebDelivery)(nil)
	_ Delivery = (*MobileDelivery)(nil)
)
