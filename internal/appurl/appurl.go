// Package appurl はOAuth/メールリンクの戻り先となる絶対URLを組み立てる。
package appurl

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrNotConfigured はAPP_URLが未設定の場合に返される。
var ErrNotConfigured = errors.New("application base URL is not configured")

// Builder は設定されたベースURLから絶対URLを生成する。生成後は不変。
type Builder struct {
	base string
}

// NewBuilder はベースURLを検証してBuilderを生成する。
// スキームはhttp/httpsのみ許可し、末尾のスラッシュは除去する。
func NewBuilder(raw string) (*Builder, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrNotConfigured
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid application base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid application base URL %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid application base URL %q: host is empty", raw)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return nil, fmt.Errorf("invalid application base URL %q: query and fragment are not allowed", raw)
	}

	u.Path = collapseSlashes(u.Path)
	u.RawPath = ""
	return &Builder{base: strings.TrimRight(u.String(), "/")}, nil
}

// Base は末尾スラッシュなしのベースURLを返す。
func (b *Builder) Base() string {
	return b.base
}

// Build は相対パスをベースURLに連結した絶対URLを返す。
// パス部分の連続したスラッシュは1つにまとめる。クエリ文字列はそのまま残す。
func (b *Builder) Build(path string) string {
	query := ""
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path, query = path[:i], path[i:]
	}
	path = collapseSlashes("/" + path)
	if path == "/" {
		return b.base + "/" + query
	}
	return b.base + path + query
}

func collapseSlashes(p string) string {
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	return p
}
