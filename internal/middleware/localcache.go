package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/sessions"

	"github.com/hitoshi/coffeeshop/internal/localcache"
)

var localCacheContextKey = contextKey("localcache")

// NewLocalCacheMiddleware はローカルキャッシュcookieをリクエスト単位で開き、
// コンテキストに注入するミドルウェアを返す。
// 変更はレスポンスヘッダーの書き出し直前にcookieへ保存する。
func NewLocalCacheMiddleware(store sessions.Store) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			jar := localcache.OpenCookieJar(store, r)
			cache := localcache.New(jar, slog.Default())

			fw := &flushingWriter{ResponseWriter: w, flush: func(w http.ResponseWriter) {
				if err := jar.Save(w, r); err != nil {
					slog.WarnContext(r.Context(), "failed to save local cache", slog.String("error", err.Error()))
				}
			}}

			ctx := context.WithValue(r.Context(), localCacheContextKey, cache)
			next.ServeHTTP(fw, r.WithContext(ctx))
			fw.flushOnce()
		})
	}
}

// LocalCacheFromContext はリクエストのローカルキャッシュを返す。
// ミドルウェアを通過していない場合はnilを返す。
func LocalCacheFromContext(ctx context.Context) *localcache.Cache {
	c, _ := ctx.Value(localCacheContextKey).(*localcache.Cache)
	return c
}

// ContextWithLocalCache はコンテキストにローカルキャッシュを注入する。
func ContextWithLocalCache(ctx context.Context, c *localcache.Cache) context.Context {
	return context.WithValue(ctx, localCacheContextKey, c)
}

// flushingWriter はヘッダーの書き出し前に一度だけflushを呼ぶ。
type flushingWriter struct {
	http.ResponseWriter
	flush   func(w http.ResponseWriter)
	flushed bool
}

func (fw *flushingWriter) flushOnce() {
	if fw.flushed {
		return
	}
	fw.flushed = true
	fw.flush(fw.ResponseWriter)
}

func (fw *flushingWriter) WriteHeader(code int) {
	fw.flushOnce()
	fw.ResponseWriter.WriteHeader(code)
}

func (fw *flushingWriter) Write(b []byte) (int, error) {
	fw.flushOnce()
	return fw.ResponseWriter.Write(b)
}

// Unwrap はhttp.ResponseControllerから元のResponseWriterを辿れるようにする。
func (fw *flushingWriter) Unwrap() http.ResponseWriter {
	return fw.ResponseWriter
}
