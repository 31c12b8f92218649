// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/coffeeshop/internal/appurl"
	"github.com/hitoshi/coffeeshop/internal/callback"
	"github.com/hitoshi/coffeeshop/internal/localcache"
	"github.com/hitoshi/coffeeshop/internal/metrics"
	"github.com/hitoshi/coffeeshop/internal/middleware"
	"github.com/hitoshi/coffeeshop/internal/model"
	"github.com/hitoshi/coffeeshop/internal/role"
	"github.com/hitoshi/coffeeshop/internal/signup"
	"github.com/hitoshi/coffeeshop/internal/supabase"
)

// forwardParam はURLフラグメントをクエリに転送したことを示すパラメータ。
const forwardParam = "fwd"

// maxRequestBody はJSONリクエストボディの上限。
const maxRequestBody = 1 << 20

// AuthClient は認証ハンドラーが必要とする認証バックエンドの操作。
type AuthClient interface {
	SignInWithEmailLink(ctx context.Context, email string, opts supabase.EmailLinkOptions) error
	OAuthURL(provider string, opts supabase.OAuthOptions) (string, error)
}

// SessionManager はcookieに保持するセッションの操作。
type SessionManager interface {
	GetSession(w http.ResponseWriter, r *http.Request) (*model.Session, error)
	Exchange(ctx context.Context, code, verifier string) (*model.Session, error)
	Adopt(ctx context.Context, accessToken, refreshToken string, expiresIn int64) (*model.Session, error)
	Establish(w http.ResponseWriter, r *http.Request, s *model.Session) error
	SignOut(w http.ResponseWriter, r *http.Request) error
}

// CallbackRunner はコールバックの状態機械を実行する。
type CallbackRunner interface {
	Run(ctx context.Context, in callback.Input) callback.Outcome
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	URLs      *appurl.Builder
	Providers []string // 有効なOAuthプロバイダー
}

// AuthHandler はサインイン・サインアップ関連のHTTPハンドラー。
type AuthHandler struct {
	auth     AuthClient
	sessions SessionManager
	flow     CallbackRunner
	pages    *Renderer
	metrics  metrics.MetricsCollector
	config   AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(auth AuthClient, sessions SessionManager, flow CallbackRunner, pages *Renderer, mc metrics.MetricsCollector, config AuthHandlerConfig) *AuthHandler {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &AuthHandler{
		auth:     auth,
		sessions: sessions,
		flow:     flow,
		pages:    pages,
		metrics:  mc,
		config:   config,
	}
}

// StartOAuth はOAuthフローを開始する。
// GET /auth/{provider}/login?mode=signup&firstname=...&remember=true
// サインアップ入力はリダイレクトをまたぐためローカルキャッシュに保存する。
func (h *AuthHandler) StartOAuth(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	if !slices.Contains(h.config.Providers, provider) {
		writeAPIError(w, model.NewUnknownProviderError(provider))
		return
	}

	q := r.URL.Query()
	form := signup.Form{
		Mode:      signup.Mode(q.Get("mode")),
		FirstName: q.Get("firstname"),
		LastName:  q.Get("lastname"),
		Phone:     q.Get("phone"),
		Address:   q.Get("address"),
		City:      q.Get("city"),
		Zipcode:   q.Get("zipcode"),
	}
	form.Remember, _ = strconv.ParseBool(q.Get("remember"))
	form.Normalize()

	cache := cacheFor(r)
	cache.User.SetRemember(form.Remember)
	h.savePending(r, cache, &form)

	verifier, err := supabase.NewCodeVerifier()
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to generate code verifier", slog.String("error", err.Error()))
		cache.Pending.Clear()
		middleware.WriteInternalServerError(w)
		return
	}
	cache.SaveCodeVerifier(verifier)

	opts := supabase.OAuthOptions{
		RedirectTo:    h.config.URLs.Build(role.PathCallback),
		CodeChallenge: supabase.CodeChallenge(verifier),
	}
	if provider == "google" {
		// リフレッシュトークンを毎回受け取る
		opts.QueryParams = map[string]string{"access_type": "offline", "prompt": "consent"}
	}
	authURL, err := h.auth.OAuthURL(provider, opts)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to build oauth url",
			slog.String("provider", provider),
			slog.String("error", err.Error()),
		)
		// リダイレクトしない入力を次回のコールバックに持ち越さない
		cache.Pending.Clear()
		middleware.WriteInternalServerError(w)
		return
	}

	http.Redirect(w, r, authURL, http.StatusTemporaryRedirect)
}

// SendMagicLink はメールリンクを送信する。
// POST /auth/magic-link
func (h *AuthHandler) SendMagicLink(w http.ResponseWriter, r *http.Request) {
	var form signup.Form
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&form); err != nil {
		writeAPIError(w, model.NewValidationError(map[string]string{"body": "Invalid request body."}))
		return
	}
	form.Normalize()
	if errs := form.Validate(); errs != nil {
		writeAPIError(w, model.NewValidationError(errs))
		return
	}

	cache := cacheFor(r)
	cache.User.SetRemember(form.Remember)
	h.savePending(r, cache, &form)

	verifier, err := supabase.NewCodeVerifier()
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to generate code verifier", slog.String("error", err.Error()))
		cache.Pending.Clear()
		middleware.WriteInternalServerError(w)
		return
	}
	cache.SaveCodeVerifier(verifier)

	err = h.auth.SignInWithEmailLink(r.Context(), form.Email, supabase.EmailLinkOptions{
		RedirectTo:    h.config.URLs.Build(role.PathCallback),
		Data:          form.Metadata(),
		CreateUser:    form.Mode == signup.ModeSignup,
		CodeChallenge: supabase.CodeChallenge(verifier),
	})
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to send magic link",
			slog.String("mode", string(form.Mode)),
			slog.String("error", err.Error()),
		)
		cache.Pending.Clear()
		writeAPIError(w, model.NewAuthFailedError())
		return
	}

	h.metrics.RecordMagicLinkSent()
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "sent",
		"message": "Check your email for the sign-in link.",
	})
}

// Callback はOAuth・メールリンクからの戻りを処理する。
// GET /auth/callback
// クエリが空の場合はURLフラグメントをクエリに転送するページを返す。
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if len(q) == 0 {
		h.pages.Render(w, r, http.StatusOK, PageCallbackForward, &PageData{Title: "Signing in"})
		return
	}

	in := callback.Input{
		Query:    q,
		Sessions: &requestSessions{manager: h.sessions, w: w, r: r},
		Cache:    middleware.LocalCacheFromContext(r.Context()),
	}
	if q.Has(forwardParam) {
		fragment := url.Values{}
		for k, v := range q {
			if k != forwardParam {
				fragment[k] = v
			}
		}
		in.Query = url.Values{}
		in.Fragment = fragment
	}

	out := h.flow.Run(r.Context(), in)
	switch {
	case out.State == callback.StateAborted:
		w.WriteHeader(http.StatusNoContent)
	case out.State == callback.StateSuccess, out.Silent():
		http.Redirect(w, r, out.Redirect, http.StatusSeeOther)
	default:
		seconds := int(out.Delay.Seconds())
		w.Header().Set("Refresh", fmt.Sprintf("%d; url=%s", seconds, out.Redirect))
		h.pages.Render(w, r, http.StatusOK, PageCallbackFailure, &PageData{
			Title:        "Sign-in failed",
			Message:      out.Message,
			Redirect:     out.Redirect,
			DelaySeconds: seconds,
		})
	}
}

// Logout はセッションとローカルキャッシュを破棄する。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	cacheFor(r).Reset()
	if err := h.sessions.SignOut(w, r); err != nil {
		// 失敗してもcookieは削除済み
		slog.WarnContext(r.Context(), "failed to sign out at backend", slog.String("error", err.Error()))
	}
	http.Redirect(w, r, role.PathEntry, http.StatusSeeOther)
}

// Me は現在の閲覧者と遷移先を返す。
// GET /api/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	viewer := middleware.ViewerFromContext(r.Context())
	if viewer == nil {
		writeAPIError(w, model.NewUnauthorizedError())
		return
	}
	writeJSON(w, http.StatusOK, meResponse{
		UserData:    viewer,
		Destination: role.Destination(viewer),
	})
}

type meResponse struct {
	*model.UserData
	Destination string `json:"destination"`
}

// savePending はサインアップ時のみ入力を保存する。ログインでは前回の残りを消す。
func (h *AuthHandler) savePending(r *http.Request, cache *localcache.Cache, form *signup.Form) {
	if form.Mode != signup.ModeSignup {
		cache.Pending.Clear()
		return
	}
	pending := form.Pending()
	if pending.IsEmpty() {
		cache.Pending.Clear()
		return
	}
	if err := cache.Pending.Save(pending); err != nil {
		slog.WarnContext(r.Context(), "failed to save pending signup", slog.String("error", err.Error()))
	}
}

// cacheFor はリクエストのローカルキャッシュを返す。ない場合は何もしないキャッシュを返す。
func cacheFor(r *http.Request) *localcache.Cache {
	if c := middleware.LocalCacheFromContext(r.Context()); c != nil {
		return c
	}
	return localcache.New(nil, slog.Default())
}

// requestSessions はSessionManagerをリクエストに束縛してcallback.Sessionsに適合させる。
type requestSessions struct {
	manager SessionManager
	w       http.ResponseWriter
	r       *http.Request
}

func (s *requestSessions) Exchange(ctx context.Context, code, verifier string) (*model.Session, error) {
	return s.manager.Exchange(ctx, code, verifier)
}

func (s *requestSessions) Adopt(ctx context.Context, accessToken, refreshToken string, expiresIn int64) (*model.Session, error) {
	return s.manager.Adopt(ctx, accessToken, refreshToken, expiresIn)
}

func (s *requestSessions) Current(ctx context.Context) (*model.Session, error) {
	return s.manager.GetSession(s.w, s.r.WithContext(ctx))
}

func (s *requestSessions) Establish(ctx context.Context, sess *model.Session) error {
	return s.manager.Establish(s.w, s.r.WithContext(ctx), sess)
}

// compile-time interface check
var _ callback.Sessions = (*requestSessions)(nil)
