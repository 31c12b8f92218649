// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/coffeeshop/internal/localcache"
	"github.com/hitoshi/coffeeshop/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	sessionContextKey = contextKey("session")
	viewerContextKey  = contextKey("viewer")
)

// SessionLoader はリクエストのcookieからセッションを読み出す。
// session.Managerが実装する。
type SessionLoader interface {
	GetSession(w http.ResponseWriter, r *http.Request) (*model.Session, error)
}

// ViewerResolver はセッションから閲覧者情報を解決する。
// user.Serviceが実装する。
type ViewerResolver interface {
	Resolve(ctx context.Context, s *model.Session, cache *localcache.UserCache) *model.UserData
}

// NewSessionMiddleware はcookieからセッションを読み取り、
// セッションと閲覧者情報をリクエストコンテキストに注入するミドルウェアを返す。
// 未認証でも拒否はしない。アクセス制御はRequireViewerとNewRouteGuardで行う。
// NewLocalCacheMiddlewareの後に配置する。
func NewSessionMiddleware(loader SessionLoader, resolver ViewerResolver) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, err := loader.GetSession(w, r)
			if err != nil {
				// バックエンドに到達できない場合は未認証として続行する
				slog.ErrorContext(r.Context(), "failed to load session",
					slog.String("error", err.Error()),
				)
				sess = nil
			}

			var userCache *localcache.UserCache
			if cache := LocalCacheFromContext(r.Context()); cache != nil {
				userCache = cache.User
			}
			viewer := resolver.Resolve(r.Context(), sess, userCache)

			ctx := r.Context()
			if sess != nil {
				ctx = context.WithValue(ctx, sessionContextKey, sess)
			}
			if viewer != nil {
				ctx = context.WithValue(ctx, viewerContextKey, viewer)
				noteUserID(ctx, viewer.ID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireViewer は閲覧者がいないリクエストに401を返すミドルウェア。JSON APIで使う。
func RequireViewer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v := ViewerFromContext(r.Context())
		if v == nil || v.Status != model.StatusActive {
			WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SessionFromContext はリクエストコンテキストからセッションを取得する。
func SessionFromContext(ctx context.Context) *model.Session {
	s, _ := ctx.Value(sessionContextKey).(*model.Session)
	return s
}

// ViewerFromContext はリクエストコンテキストから閲覧者情報を取得する。
func ViewerFromContext(ctx context.Context) *model.UserData {
	v, _ := ctx.Value(viewerContextKey).(*model.UserData)
	return v
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// セッションミドルウェアを通過した認証済みリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	v := ViewerFromContext(ctx)
	if v == nil || v.ID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return v.ID, nil
}

// ContextWithSession はコンテキストにセッションを注入する。
func ContextWithSession(ctx context.Context, s *model.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, s)
}

// ContextWithViewer はコンテキストに閲覧者情報を注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithViewer(ctx context.Context, v *model.UserData) context.Context {
	return context.WithValue(ctx, viewerContextKey, v)
}
