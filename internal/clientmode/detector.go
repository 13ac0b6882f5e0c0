// Package clientmode はリクエストをWeb（Cookie配送）とモバイル（レスポンスボディ配送）に分類し、
// モードに応じたトークン配送方法を提供する。
//
// 分類はヘッダーに基づくヒューリスティックであり、認証ではない。
// 判定結果はトークンをどこに載せるかだけを決める。
package clientmode

import (
	"net/http"
	"regexp"
	"strings"
)

// Mode はクライアントの種別。
type Mode string

const (
	// ModeWeb はCookieでトークンを受け渡すブラウザクライアント。
	ModeWeb Mode = "web"
	// ModeMobile はレスポンスボディとAuthorizationヘッダーでトークンを受け渡すクライアント。
	ModeMobile Mode = "mobile"
)

// 判定に使うリクエストヘッダー。
const (
	HeaderClientType = "X-Client-Type"
	HeaderPlatform   = "X-Platform"
)

// Rule は判定規則の1件。Matchが真を返した最初の規則のModeが採用される。
type Rule struct {
	Name  string
	Match func(r *http.Request) bool
	Mode  Mode
}

var mobileUserAgent = regexp.MustCompile(`(?i)react-native|okhttp|cfnetwork`)

// DefaultRules は既定の判定規則を優先順に返す。
//  1. X-Client-Type が mobile / react-native
//  2. X-Platform が ios / android
//  3. User-Agent がモバイルランタイムのシグネチャに一致
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:  "client-type-header",
			Match: headerIn(HeaderClientType, "mobile", "react-native"),
			Mode:  ModeMobile,
		},
		{
			Name:  "platform-header",
			Match: headerIn(HeaderPlatform, "ios", "android"),
			Mode:  ModeMobile,
		},
		{
			Name: "mobile-user-agent",
			Match: func(r *http.Request) bool {
				return mobileUserAgent.MatchString(r.UserAgent())
			},
			Mode: ModeMobile,
		},
	}
}

func headerIn(name string, values ...string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		v := strings.ToLower(strings.TrimSpace(r.Header.Get(name)))
		for _, want := range values {
			if v == want {
				return true
			}
		}
		return false
	}
}

// Detector は規則リストを順に評価してModeを決める。
type Detector struct {
	rules []Rule
}

// NewDetector はDetectorを生成する。rulesが空の場合はDefaultRulesを使う。
func NewDetector(rules ...Rule) *Detector {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Detector{rules: rules}
}

// Detect はリクエストのModeを返す。どの規則にも一致しない場合はModeWeb。
func (d *Detector) Detect(r *http.Request) Mode {
	mode, _ := d.DetectWithRule(r)
	return mode
}

// DetectWithRule はModeと一致した規則名を返す。既定判定の場合の規則名は"default"。
func (d *Detector) DetectWithRule(r *http.Request) (Mode, string) {
	for _, rule := range d.rules {
		if rule.Match(r) {
			return rule.Mode, rule.Name
		}
	}
	return ModeWeb, "default"
}
