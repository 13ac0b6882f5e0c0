// Package security はアプリケーションのセキュリティ機能を提供する。
//
// NameSanitizer はユーザーが入力する表示名からHTMLを取り除く。
// 表示名はJSONでそのまま返され、フロントエンドで描画されるため、
// 保存前にマークアップを一切含まない状態にする。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はプレーンテキスト入力を無害化するインターフェース。
type TextSanitizer interface {
	// Sanitize はタグを除去し、前後の空白を取り除いた文字列を返す。
	Sanitize(raw string) string
}

// NameSanitizer はbluemondayのStrictPolicyで全タグを除去する。
// ポリシーは並行利用に対して安全。
type NameSanitizer struct {
	policy   *bluemonday.Policy
	brackets *strings.Replacer
}

// NewNameSanitizer はNameSanitizerを生成する。
func NewNameSanitizer() *NameSanitizer {
	return &NameSanitizer{
		policy:   bluemonday.StrictPolicy(),
		brackets: strings.NewReplacer("<", "", ">", ""),
	}
}

// Sanitize はHTMLタグを除去した表示名を返す。
// StrictPolicyが付けた実体参照は戻し（"Tom &amp; Jerry" → "Tom & Jerry"）、
// 実体参照経由で残った山括弧は削除する。
func (s *NameSanitizer) Sanitize(raw string) string {
	cleaned := html.UnescapeString(s.policy.Sanitize(raw))
	return strings.TrimSpace(s.brackets.Replace(cleaned))
}

// compile-time interface check
var _ TextSanitizer = (*NameSanitizer)(nil)
