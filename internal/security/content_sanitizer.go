package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizerService は外部から取り込んだ文字列からHTMLを取り除く。
type TextSanitizerService interface {
	// Text はタグをすべて除去し、実体参照を戻したプレーンテキストを返す。
	// 連続する空白は1つにまとめる。
	Text(raw string) string
}

// textSanitizer はbluemondayのStrictPolicyで全タグを落とす。
// ポリシーはスレッドセーフに共有できる。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerServiceを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// Text はrawからタグを除去する。
func (s *textSanitizer) Text(raw string) string {
	stripped := html.UnescapeString(s.policy.Sanitize(raw))
	return strings.Join(strings.Fields(stripped), " ")
}
