// Package security はトークン暗号化、SSRF防止、取得コンテンツのサニタイズを提供する。
package security

import (
	"html"
	"net/url"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizerService は保存前のHTML文書をサニタイズする。
// Confluenceのstorage形式やハンドブックの記事本文に使用される。
type ContentSanitizerService interface {
	// Sanitize は許可リストに含まれるタグと属性だけを残したHTMLを返す。
	// 同一入力に対して常に同一出力を返す。
	Sanitize(rawHTML string) string
}

// TextSanitizerService はHTMLやマークアップ混じりの文字列をプレーンテキストにする。
// Slackのメッセージ本文やJiraのフィールド値に使用される。
type TextSanitizerService interface {
	Text(raw string) string
}

// contentSanitizer はContentSanitizerServiceの実装。
// bluemondayのポリシーはスレッドセーフに共有できる。
type contentSanitizer struct {
	policy *bluemonday.Policy
}

// NewContentSanitizer は文書向けのbluemondayポリシーを構築する。
//   - 見出し・段落・リスト・表・引用・コードブロックを許可
//   - script, iframe, style, on*イベント属性は除去
//   - aタグはhrefのみ許可し、target="_blank"とrel="noopener noreferrer"を付与
//   - imgのsrcはhttpsのみ許可
func NewContentSanitizer() *contentSanitizer {
	p := bluemonday.NewPolicy()

	p.AllowElements(
		"h1", "h2", "h3", "h4", "h5", "h6",
		"p", "br", "hr", "ul", "ol", "li",
		"blockquote", "pre", "code",
		"strong", "em", "b", "i", "u", "s",
		"table", "thead", "tbody", "tfoot", "tr", "th", "td",
	)
	p.AllowAttrs("colspan", "rowspan").Matching(bluemonday.Integer).OnElements("th", "td")

	p.AllowAttrs("href").OnElements("a")
	p.AllowRelativeURLs(false)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	p.AllowAttrs("src", "alt").OnElements("img")
	p.AllowURLSchemeWithCustomPolicy("https", func(u *url.URL) bool {
		return true
	})

	return &contentSanitizer{policy: p}
}

// Sanitize はHTMLコンテンツをサニタイズして安全なHTMLを返す。
func (s *contentSanitizer) Sanitize(rawHTML string) string {
	return s.policy.Sanitize(rawHTML)
}

// textSanitizer はTextSanitizerServiceの実装。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はすべてのタグを除去するStrictPolicyを使うサニタイザーを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

var blankRun = regexp.MustCompile(`[ \t]+`)

// Text はタグを除去し、エンティティを復元して連続する空白を詰める。
func (s *textSanitizer) Text(raw string) string {
	stripped := html.UnescapeString(s.policy.Sanitize(raw))
	lines := strings.Split(stripped, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(blankRun.ReplaceAllString(line, " "))
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

var (
	_ ContentSanitizerService = (*contentSanitizer)(nil)
	_ TextSanitizerService    = (*textSanitizer)(nil)
)
