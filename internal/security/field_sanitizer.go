// Package security はアプリケーションのセキュリティ機能を提供する。
//
// FieldSanitizer は外部から受け取ったプロフィール項目（氏名・住所など）から
// HTMLマークアップを取り除き、プレーンテキストとして保存できる形に整える。
package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// MaxFieldLength は1項目あたりの最大文字数。超過分は切り詰める。
const MaxFieldLength = 255

// FieldSanitizerService はプロフィール項目のサニタイズ機能のインターフェース。
type FieldSanitizerService interface {
	// Sanitize は全てのタグを除去し、前後の空白を取り除いた文字列を返す。
	Sanitize(raw string) string
	// SanitizeOptional はnilをそのまま返し、サニタイズ後に空になった場合もnilを返す。
	SanitizeOptional(raw *string) *string
}

// FieldSanitizer はFieldSanitizerServiceの実装。
// bluemondayのStrictPolicyはスレッドセーフに使用できる。
type FieldSanitizer struct {
	policy *bluemonday.Policy
}

// NewFieldSanitizer は新しいFieldSanitizerを生成する。
func NewFieldSanitizer() *FieldSanitizer {
	return &FieldSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はタグを除去したプレーンテキストを返す。
// StrictPolicyがエスケープした文字実体は元に戻す（出力時はテンプレート側でエスケープされる）。
func (s *FieldSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}
	out := strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(raw)))
	if utf8.RuneCountInString(out) > MaxFieldLength {
		out = strings.TrimSpace(string([]rune(out)[:MaxFieldLength]))
	}
	return out
}

// SanitizeOptional は任意項目をサニタイズする。
func (s *FieldSanitizer) SanitizeOptional(raw *string) *string {
	if raw == nil {
		return nil
	}
	out := s.Sanitize(*raw)
	if out == "" {
		return nil
	}
	return &out
}

// compile-time interface check
var _ FieldSanitizerService = (*FieldSanitizer)(nil)
