package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/coffeeshop/internal/metrics"
	"github.com/hitoshi/coffeeshop/internal/model"
	"github.com/hitoshi/coffeeshop/internal/role"
)

// NewRouteGuard はパスのルートグループと閲覧者のロールからアクセスを判定するミドルウェアを返す。
// ページは閲覧者自身の遷移先へリダイレクトし、/api/ 配下はJSONの401/403を返す。
// サインイン済みのactiveな閲覧者がエントリーページを開いた場合も遷移先へ送る。
// NewSessionMiddlewareの後に配置する。
func NewRouteGuard(mc metrics.MetricsCollector) func(next http.Handler) http.Handler {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			group := role.GroupFor(path)
			viewer := ViewerFromContext(r.Context())

			if group == role.GroupPublic {
				if viewer != nil && viewer.Status == model.StatusActive && role.IsEntryPage(path) && r.Method == http.MethodGet {
					mc.RecordGuardRedirect(string(group))
					http.Redirect(w, r, role.Destination(viewer), http.StatusFound)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			d := role.Authorize(group, viewer)
			if d.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			mc.RecordGuardRedirect(string(group))
			attrs := []any{
				slog.String("path", path),
				slog.String("group", string(group)),
				slog.String("redirect", d.Redirect),
			}
			if viewer != nil {
				attrs = append(attrs, slog.String("user_id", viewer.ID))
			}
			slog.InfoContext(r.Context(), "route guard denied access", attrs...)

			if isAPIPath(path) {
				if viewer == nil || viewer.Status != model.StatusActive {
					WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
					return
				}
				WriteErrorResponse(w, http.StatusForbidden, model.NewForbiddenError())
				return
			}
			http.Redirect(w, r, d.Redirect, http.StatusFound)
		})
	}
}

func isAPIPath(path string) bool {
	return path == "/api" || strings.HasPrefix(path, "/api/")
}
