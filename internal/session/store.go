package session

import (
	"crypto/sha256"
	"net/http"

	"github.com/gorilla/sessions"
)

// CookieOptions はセッションcookieの属性。
type CookieOptions struct {
	MaxAge int
	Secure bool
	Domain string
}

// NewCookieStore は署名・暗号化されたcookieストアを生成する。
// 署名鍵と暗号鍵はsecretから用途別に導出する。
func NewCookieStore(secret string, opts CookieOptions) *sessions.CookieStore {
	hashKey := sha256.Sum256([]byte("coffeeshop/hash:" + secret))
	blockKey := sha256.Sum256([]byte("coffeeshop/block:" + secret))

	store := sessions.NewCookieStore(hashKey[:], blockKey[:])
	store.Options = &sessions.Options{
		Path:     "/",
		Domain:   opts.Domain,
		MaxAge:   opts.MaxAge,
		Secure:   opts.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	store.MaxAge(opts.MaxAge)
	return store
}
