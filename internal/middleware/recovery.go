package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/hitoshi/coffeeshop/internal/errreport"
)

// NewRecoveryMiddleware はpanic発生時にプロセスクラッシュを防ぎ、
// 500レスポンスを返すミドルウェアを生成する。reporterがnilの場合はログのみ出力する。
func NewRecoveryMiddleware(reporter errreport.Reporter) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				attrs := []slog.Attr{
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("stack", string(debug.Stack())),
				}
				if reporter != nil {
					reporter.Report(r.Context(), fmt.Errorf("panic: %v", rec), "panic recovered", attrs...)
				} else {
					slog.LogAttrs(r.Context(), slog.LevelError, "panic recovered",
						append(attrs, slog.Any("panic", rec))...)
				}
				WriteInternalServerError(w)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
