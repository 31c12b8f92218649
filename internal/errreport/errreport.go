// Package errreport は想定外の障害をログと外部エラートラッカーへ報告する。
// 認証フローはユーザーに対して常に縮退動作で応答するため、
// 握りつぶしたエラーはここを経由して運用側に届ける。
package errreport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
)

// Reporter はエラー報告のインターフェース。
type Reporter interface {
	Report(ctx context.Context, err error, msg string, attrs ...slog.Attr)
}

// LogReporter は構造化ログにのみ記録するReporter。
type LogReporter struct {
	logger *slog.Logger
}

// NewLogReporter は新しいLogReporterを生成する。loggerがnilの場合はslog.Default()を使う。
func NewLogReporter(logger *slog.Logger) *LogReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogReporter{logger: logger}
}

// Report はエラーをERRORレベルで記録する。
func (r *LogReporter) Report(ctx context.Context, err error, msg string, attrs ...slog.Attr) {
	args := make([]any, 0, len(attrs)+1)
	args = append(args, slog.String("error", errString(err)))
	for _, a := range attrs {
		args = append(args, a)
	}
	r.logger.ErrorContext(ctx, msg, args...)
}

// SentryReporter はログに加えてSentryへ例外を送るReporter。
type SentryReporter struct {
	log *LogReporter
}

// NewSentryReporter は新しいSentryReporterを生成する。
func NewSentryReporter(logger *slog.Logger) *SentryReporter {
	return &SentryReporter{log: NewLogReporter(logger)}
}

// Report はエラーを記録し、リクエストに紐づくHubがあればそのスコープで送信する。
func (r *SentryReporter) Report(ctx context.Context, err error, msg string, attrs ...slog.Attr) {
	r.log.Report(ctx, err, msg, attrs...)
	if err == nil {
		return
	}

	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub().Clone()
	}
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", "coffeeshop")
		details := sentry.Context{"message": msg}
		for _, a := range attrs {
			details[a.Key] = a.Value.String()
		}
		scope.SetContext("details", details)
		hub.CaptureException(err)
	})
}

// Init はDSNが設定されていればSentryを初期化しSentryReporterを返す。
// DSNが空の場合はLogReporterを返す。戻り値のflushはシャットダウン時に呼ぶ。
func Init(dsn, env string, logger *slog.Logger) (Reporter, func(), error) {
	if dsn == "" {
		return NewLogReporter(logger), func() {}, nil
	}

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      env,
		EnableTracing:    true,
		TracesSampleRate: 0.2,
	}); err != nil {
		return nil, nil, fmt.Errorf("sentry init: %w", err)
	}

	flush := func() { sentry.Flush(2 * time.Second) }
	return NewSentryReporter(logger), flush, nil
}

// Middleware はリクエストごとにSentryのHubを割り当てるミドルウェアを返す。
// パニックは記録したうえで再送出し、後段のリカバリーに処理を委ねる。
func Middleware() func(http.Handler) http.Handler {
	h := sentryhttp.New(sentryhttp.Options{
		Repanic:         true,
		WaitForDelivery: false,
	})
	return h.Handle
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// compile-time interface check
var (
	_ Reporter = (*LogReporter)(nil)
	_ Reporter = (*SentryReporter)(nil)
)
