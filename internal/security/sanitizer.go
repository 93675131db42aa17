// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ユーザーが投稿するコメント本文と、通知のタイトル等に埋め込む文字列を
// bluemondayの許可リストポリシーでサニタイズする。
package security

import (
	"github.com/microcosm-cc/bluemonday"
)

// Sanitizer はユーザー入力のサニタイズ機能のインターフェースを定義する。
// 同一入力に対して常に同一出力を返す（冪等）。空文字列の入力には空文字列を返す。
type Sanitizer interface {
	Sanitize(raw string) string
}

// policySanitizer はbluemondayのポリシーを保持するSanitizer実装。
// bluemonday.Policyは構築後の並行利用に対して安全。
type policySanitizer struct {
	policy *bluemonday.Policy
}

// NewCommentSanitizer はコメント本文用のSanitizerを生成する。
// ポリシーの内容:
//   - 許可タグ: p, br, a, ul, ol, li, blockquote, pre, code, strong, em
//   - 上記以外のタグ、style属性、on*イベント属性は除去
//   - aのhref: http, https, mailto のみ。相対URLは不許可
//   - aタグ: target="_blank" と rel="nofollow noopener noreferrer" を自動付与
func NewCommentSanitizer() Sanitizer {
	p := bluemonday.NewPolicy()

	p.AllowElements(
		"p", "br", "ul", "ol", "li",
		"blockquote", "pre", "code",
		"strong", "em",
	)

	p.AllowAttrs("href").OnElements("a")
	p.AllowURLSchemes("http", "https", "mailto")
	p.AllowRelativeURLs(false)
	p.RequireParseableURLs(true)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoFollowOnLinks(true)
	p.RequireNoReferrerOnLinks(true)

	return &policySanitizer{policy: p}
}

// NewPlainTextSanitizer は全てのタグを除去するSanitizerを生成する。
// 通知のタイトルや本文に他ユーザーの入力を埋め込む際に使用する。
func NewPlainTextSanitizer() Sanitizer {
	return &policySanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize は入力をポリシーに従ってサニタイズする。
func (s *policySanitizer) Sanitize(raw string) string {
	return s.policy.Sanitize(raw)
}
