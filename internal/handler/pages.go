package handler

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"

	"github.com/hitoshi/coffeeshop/internal/middleware"
	"github.com/hitoshi/coffeeshop/internal/model"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static
var staticFS embed.FS

// ページ名
const (
	PageEntry           = "entry"
	PageSignup          = "signup"
	PagePrivacy         = "privacy"
	PageTerms           = "terms"
	PageContact         = "contact"
	PageCustomer        = "index"
	PageDashboard       = "dashboard"
	PageCallbackForward = "callback_forward"
	PageCallbackFailure = "callback_failure"
)

var pageNames = []string{
	PageEntry, PageSignup, PagePrivacy, PageTerms, PageContact,
	PageCustomer, PageDashboard, PageCallbackForward, PageCallbackFailure,
}

// PageData はテンプレートに渡す値。
type PageData struct {
	Title        string
	Viewer       *model.UserData
	CSRFToken    string
	Providers    []string
	Message      string
	Redirect     string
	DelaySeconds int
}

// Renderer は埋め込みテンプレートからページを描画する。
type Renderer struct {
	pages map[string]*template.Template
}

// NewRenderer は全ページのテンプレートを読み込む。
func NewRenderer() (*Renderer, error) {
	layout, err := template.ParseFS(templateFS, "templates/layout.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse layout: %w", err)
	}

	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		t, err := template.Must(layout.Clone()).ParseFS(templateFS, "templates/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("failed to parse page %s: %w", name, err)
		}
		pages[name] = t
	}
	return &Renderer{pages: pages}, nil
}

// Render はページを描画する。閲覧者とCSRFトークンはリクエストから補う。
func (rd *Renderer) Render(w http.ResponseWriter, r *http.Request, status int, name string, data *PageData) {
	t, ok := rd.pages[name]
	if !ok {
		slog.ErrorContext(r.Context(), "unknown page", slog.String("page", name))
		middleware.WriteInternalServerError(w)
		return
	}
	if data == nil {
		data = &PageData{}
	}
	if data.Viewer == nil {
		data.Viewer = middleware.ViewerFromContext(r.Context())
	}
	if c, err := r.Cookie(middleware.CSRFCookieName); err == nil {
		data.CSRFToken = c.Value
	}

	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", data); err != nil {
		slog.ErrorContext(r.Context(), "failed to render page",
			slog.String("page", name),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	buf.WriteTo(w)
}

// StaticHandler はページが読み込むスクリプトを配信する。
func StaticHandler() http.Handler {
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(err)
	}
	return http.StripPrefix("/static/", http.FileServer(http.FS(sub)))
}

// PageHandler は画面を返すハンドラー。
type PageHandler struct {
	pages     *Renderer
	providers []string
}

// NewPageHandler はPageHandlerを生成する。
func NewPageHandler(pages *Renderer, providers []string) *PageHandler {
	return &PageHandler{pages: pages, providers: providers}
}

// Page は指定したページを返すハンドラーを生成する。
// 有効でないアカウントの閲覧者には状態の案内を表示する。
func (h *PageHandler) Page(name, title string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.pages.Render(w, r, http.StatusOK, name, &PageData{
			Title:     title,
			Providers: h.providers,
			Message:   statusNotice(middleware.ViewerFromContext(r.Context())),
		})
	}
}

// statusNotice はアカウント状態の案内文を返す。有効な場合や未ログインでは空文字列。
func statusNotice(v *model.UserData) string {
	if v == nil {
		return ""
	}
	switch v.Status {
	case model.StatusSuspended:
		return "Your account has been suspended. Please contact us if you think this is a mistake."
	case model.StatusInactive:
		return "Your account is inactive. Please contact us to reactivate it."
	default:
		return ""
	}
}

// NotFound は404ページを返す。
func (h *PageHandler) NotFound(w http.ResponseWriter, r *http.Request) {
	h.pages.Render(w, r, http.StatusNotFound, PageCallbackFailure, &PageData{
		Title:    "Not found",
		Message:  "The page you are looking for does not exist.",
		Redirect: "/",
	})
}
