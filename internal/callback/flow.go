// Package callback はOAuth/メールリンクからの戻りを処理する一度きりの状態機械を提供する。
//
// 処理順序は常に
// 保留中サインアップの消費 → プロフィール整合 → キャッシュ書き込み(任意) → 遷移
// であり、整合が終わる前に遷移先を決めることはない。
package callback

import (
	"context"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/coffeeshop/internal/localcache"
	"github.com/hitoshi/coffeeshop/internal/metrics"
	"github.com/hitoshi/coffeeshop/internal/model"
	"github.com/hitoshi/coffeeshop/internal/role"
)

// DefaultFailureDelay は失敗メッセージを表示してからサインアップへ戻るまでの時間。
const DefaultFailureDelay = 3 * time.Second

// ErrorAccessDenied はユーザーが同意画面で拒否した場合のプロバイダーエラー。
const ErrorAccessDenied = "access_denied"

// FailureMessage はユーザーに表示する失敗メッセージ。
const FailureMessage = "Authentication failed"

// State はフローの状態。
type State string

const (
	StatePending State = "pending"
	StateSuccess State = "success"
	StateFailure State = "failure"
	// StateAborted は処理中に接続が切れたか、より新しい処理に追い越された状態。
	// 遷移などの副作用は行わない。
	StateAborted State = "aborted"
)

// Outcome はフローの終了状態。
type Outcome struct {
	State    State
	Redirect string         // 遷移先
	Message  string         // 空の場合はメッセージを出さずに遷移する
	Delay    time.Duration  // Messageがある場合の自動遷移までの時間
	Profile  *model.Profile // Successの場合のみ
}

// Silent はメッセージなしの失敗かどうかを返す。
func (o Outcome) Silent() bool {
	return o.State == StateFailure && o.Message == ""
}

// Sessions はリクエストに紐づいたセッション操作。
type Sessions interface {
	// Exchange は認可コードをセッションに交換する。
	Exchange(ctx context.Context, code, verifier string) (*model.Session, error)
	// Adopt はURLフラグメントで受け取ったトークンからセッションを得る。
	Adopt(ctx context.Context, accessToken, refreshToken string, expiresIn int64) (*model.Session, error)
	// Current は既に確立済みのセッションを返す。ない場合はnil。
	Current(ctx context.Context) (*model.Session, error)
	// Establish はセッションを保存し、サインインを通知する。
	Establish(ctx context.Context, s *model.Session) error
}

// ProfileEnsurer はセッションに対応するプロフィールを保証する。
type ProfileEnsurer interface {
	EnsureProfile(ctx context.Context, s *model.Session, pending *model.PendingSignup) (*model.Profile, error)
}

// Input はコールバックURLから取り出した値とリクエスト単位の依存。
type Input struct {
	Query    url.Values // クエリ文字列
	Fragment url.Values // 転送されたURLフラグメント(なければnil)
	Sessions Sessions
	Cache    *localcache.Cache
}

// Flow はコールバック処理の状態機械。複数のリクエストから同時に利用できる。
type Flow struct {
	profiles     ProfileEnsurer
	tracker      *Tracker
	metrics      metrics.MetricsCollector
	logger       *slog.Logger
	failureDelay time.Duration
}

// NewFlow はFlowを生成する。failureDelayが0以下の場合はDefaultFailureDelayを使う。
func NewFlow(profiles ProfileEnsurer, tracker *Tracker, mc metrics.MetricsCollector, logger *slog.Logger, failureDelay time.Duration) *Flow {
	if tracker == nil {
		tracker = NewTracker()
	}
	if mc == nil {
		mc = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if failureDelay <= 0 {
		failureDelay = DefaultFailureDelay
	}
	return &Flow{
		profiles:     profiles,
		tracker:      tracker,
		metrics:      mc,
		logger:       logger,
		failureDelay: failureDelay,
	}
}

// Run はフローを最後まで実行して終了状態を返す。Pendingのまま返ることはない。
func (f *Flow) Run(ctx context.Context, in Input) Outcome {
	out := f.run(ctx, in)
	f.metrics.RecordCallbackOutcome(outcomeLabel(out))
	return out
}

func (f *Flow) run(ctx context.Context, in Input) Outcome {
	cache := in.Cache
	if cache == nil {
		cache = localcache.New(nil, f.logger)
	}

	// 1. プロバイダーが返したエラー
	if code, desc, ok := providerError(in.Query, in.Fragment); ok {
		cache.Pending.Clear()
		cache.User.Invalidate()
		if code == ErrorAccessDenied {
			f.logger.InfoContext(ctx, "sign-in cancelled at provider")
			return Outcome{State: StateFailure, Redirect: role.PathEntry}
		}
		f.logger.WarnContext(ctx, "provider returned error",
			slog.String("error", code),
			slog.String("error_description", desc),
		)
		msg := FailureMessage
		if desc != "" {
			msg += ": " + desc
		}
		return f.failure(msg)
	}

	// 2-3. セッションの取得
	s, fresh, err := f.resolveSession(ctx, in, cache)
	if err != nil {
		cache.Pending.Clear()
		f.logger.ErrorContext(ctx, "failed to resolve session on callback", slog.String("error", err.Error()))
		return f.failure(FailureMessage)
	}
	if s == nil {
		cache.Pending.Clear()
		cache.User.Invalidate()
		return Outcome{State: StateFailure, Redirect: role.PathEntry}
	}

	// 4. 保留中サインアップは後続が失敗しても一度で消費する
	pending := cache.Pending.Read()

	// 5. 世代の開始
	gen := f.tracker.Begin(s.UserID)
	defer f.tracker.Done(s.UserID, gen)

	// 6. プロフィール整合
	p, err := f.profiles.EnsureProfile(ctx, s, pending)
	if err != nil {
		f.logger.ErrorContext(ctx, "failed to ensure profile on callback",
			slog.String("user_id", s.UserID),
			slog.String("error", err.Error()),
		)
		return f.failure(FailureMessage)
	}

	// 7. 新しく得たセッションの確立
	if fresh {
		if err := in.Sessions.Establish(ctx, s); err != nil {
			f.logger.ErrorContext(ctx, "failed to establish session",
				slog.String("user_id", s.UserID),
				slog.String("error", err.Error()),
			)
			return f.failure(FailureMessage)
		}
	}

	// 8. 接続が切れたか、より新しい処理に追い越された場合は副作用を適用しない
	if ctx.Err() != nil || !f.tracker.IsCurrent(s.UserID, gen) {
		f.logger.InfoContext(ctx, "callback superseded, skipping navigation", slog.String("user_id", s.UserID))
		return Outcome{State: StateAborted}
	}

	// 9. remember-meの場合のみキャッシュ
	cache.User.SaveIfRemember(p)

	// 10. 遷移
	return Outcome{
		State:    StateSuccess,
		Redirect: role.Destination(p.UserData()),
		Profile:  p,
	}
}

// resolveSession は認可コード、フラグメントのトークン、既存セッションの順にセッションを得る。
// freshは新たに得たセッションでまだ保存されていないことを示す。
func (f *Flow) resolveSession(ctx context.Context, in Input, cache *localcache.Cache) (s *model.Session, fresh bool, err error) {
	if code := strings.TrimSpace(in.Query.Get("code")); code != "" {
		s, err = in.Sessions.Exchange(ctx, code, cache.TakeCodeVerifier())
		return s, true, err
	}
	if access := in.Fragment.Get("access_token"); access != "" {
		expiresIn, _ := strconv.ParseInt(in.Fragment.Get("expires_in"), 10, 64)
		s, err = in.Sessions.Adopt(ctx, access, in.Fragment.Get("refresh_token"), expiresIn)
		return s, true, err
	}
	s, err = in.Sessions.Current(ctx)
	return s, false, err
}

func (f *Flow) failure(msg string) Outcome {
	return Outcome{
		State:    StateFailure,
		Redirect: role.PathSignup,
		Message:  msg,
		Delay:    f.failureDelay,
	}
}

// providerError はクエリまたはフラグメントからプロバイダーのエラーを取り出す。
func providerError(query, fragment url.Values) (code, description string, ok bool) {
	for _, v := range []url.Values{query, fragment} {
		if code := strings.TrimSpace(v.Get("error")); code != "" {
			return code, strings.TrimSpace(v.Get("error_description")), true
		}
	}
	return "", "", false
}

func outcomeLabel(o Outcome) string {
	if o.Silent() {
		return "silent"
	}
	return string(o.State)
}
