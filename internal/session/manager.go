// Package session はバックエンドが発行したログインセッションをcookieで保持し、
// 認証状態の変化をリスナーへ通知する。
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/sessions"

	"github.com/hitoshi/coffeeshop/internal/model"
	"github.com/hitoshi/coffeeshop/internal/supabase"
)

// CookieName はセッションcookieの名前。
const CookieName = "coffeeshop_session"

const (
	keyAccessToken  = "access_token"
	keyRefreshToken = "refresh_token"
)

// Event は認証状態の変化の種類。
type Event string

const (
	EventSignedIn       Event = "SIGNED_IN"
	EventSignedOut      Event = "SIGNED_OUT"
	EventTokenRefreshed Event = "TOKEN_REFRESHED"
)

// Listener は認証状態の変化を受け取る。SIGNED_OUTではsessionがnilの場合がある。
type Listener func(ctx context.Context, event Event, s *model.Session)

// Authenticator はセッション管理が利用する認証バックエンドの操作。
type Authenticator interface {
	ExchangeCodeForSession(ctx context.Context, code, verifier string) (*model.Session, error)
	RefreshSession(ctx context.Context, refreshToken string) (*model.Session, error)
	SignOut(ctx context.Context, accessToken string) error
	GetUser(ctx context.Context, accessToken string) (*supabase.User, error)
}

// Manager はcookieに保持したセッションの読み出し・確立・破棄を行う。
type Manager struct {
	store    sessions.Store
	auth     Authenticator
	verifier *TokenVerifier
	logger   *slog.Logger

	mu        sync.RWMutex
	listeners map[int]Listener
	nextID    int

	wg  sync.WaitGroup
	now func() time.Time
}

// NewManager はManagerを生成する。
func NewManager(store sessions.Store, auth Authenticator, verifier *TokenVerifier, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:     store,
		auth:      auth,
		verifier:  verifier,
		logger:    logger,
		listeners: make(map[int]Listener),
		now:       time.Now,
	}
}

// GetSession は現在のセッションを返す。セッションがない場合はnil, nilを返す。
// アクセストークンが期限切れの場合はリフレッシュしてcookieを更新し、TOKEN_REFRESHEDを通知する。
// バックエンドに到達できない場合のみエラーを返す。
func (m *Manager) GetSession(w http.ResponseWriter, r *http.Request) (*model.Session, error) {
	sess, err := m.store.Get(r, CookieName)
	if err != nil {
		// 改ざん・鍵変更などで復号できないcookieはセッションなしとして破棄する
		m.logger.WarnContext(r.Context(), "discarding unreadable session cookie", slog.String("error", err.Error()))
		m.clear(w, r, sess)
		return nil, nil
	}

	access, _ := sess.Values[keyAccessToken].(string)
	refresh, _ := sess.Values[keyRefreshToken].(string)
	if access == "" {
		return nil, nil
	}

	claims, err := m.verifier.Verify(access)
	if err == nil {
		return claims.Session(access, refresh), nil
	}
	if !errors.Is(err, ErrTokenExpired) || refresh == "" {
		m.logger.WarnContext(r.Context(), "discarding invalid session", slog.String("error", err.Error()))
		m.clear(w, r, sess)
		return nil, nil
	}

	refreshed, err := m.auth.RefreshSession(r.Context(), refresh)
	if err != nil {
		var apiErr *supabase.Error
		if errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500 {
			// リフレッシュトークンが失効している
			m.clear(w, r, sess)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to refresh session: %w", err)
	}

	if err := m.save(w, r, sess, refreshed); err != nil {
		return nil, err
	}
	m.emit(r.Context(), EventTokenRefreshed, refreshed)
	return refreshed, nil
}

// Exchange は認可コードをセッションに交換する。cookieへの保存は行わない。
func (m *Manager) Exchange(ctx context.Context, code, verifier string) (*model.Session, error) {
	return m.auth.ExchangeCodeForSession(ctx, code, verifier)
}

// Adopt はURLフラグメントで受け取ったトークンをバックエンドに照会してセッションにする。
// cookieへの保存は行わない。
func (m *Manager) Adopt(ctx context.Context, accessToken, refreshToken string, expiresIn int64) (*model.Session, error) {
	u, err := m.auth.GetUser(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	return supabase.NewSession(u, accessToken, refreshToken, 0, expiresIn, m.now()), nil
}

// Establish はセッションをcookieに保存し、SIGNED_INを通知する。
func (m *Manager) Establish(w http.ResponseWriter, r *http.Request, s *model.Session) error {
	sess, _ := m.store.Get(r, CookieName)
	if err := m.save(w, r, sess, s); err != nil {
		return err
	}
	m.emit(r.Context(), EventSignedIn, s)
	return nil
}

// SignOut はバックエンド側のセッションを無効化し、cookieを削除してSIGNED_OUTを通知する。
// バックエンド呼び出しが失敗してもcookieは削除する。
func (m *Manager) SignOut(w http.ResponseWriter, r *http.Request) error {
	sess, _ := m.store.Get(r, CookieName)
	var current *model.Session
	var backendErr error
	if access, _ := sess.Values[keyAccessToken].(string); access != "" {
		if claims, err := m.verifier.Verify(access); err == nil {
			current = claims.Session(access, "")
		}
		backendErr = m.auth.SignOut(r.Context(), access)
	}

	m.clear(w, r, sess)
	m.emit(r.Context(), EventSignedOut, current)

	if backendErr != nil {
		return fmt.Errorf("failed to sign out: %w", backendErr)
	}
	return nil
}

// OnAuthStateChange はリスナーを登録し、登録解除関数を返す。
func (m *Manager) OnAuthStateChange(l Listener) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// Wait は通知中のリスナーの完了を待つ。
func (m *Manager) Wait() {
	m.wg.Wait()
}

// emit はリスナーを個別のgoroutineで呼び出す。
// リクエストの終了でリスナーの処理が打ち切られないよう、キャンセルは引き継がない。
func (m *Manager) emit(ctx context.Context, event Event, s *model.Session) {
	m.mu.RLock()
	listeners := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.RUnlock()

	detached := context.WithoutCancel(ctx)
	for _, l := range listeners {
		m.wg.Add(1)
		go func(l Listener) {
			defer m.wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					m.logger.Error("auth state listener panicked",
						slog.String("event", string(event)),
						slog.Any("panic", rec),
					)
				}
			}()
			l(detached, event, s)
		}(l)
	}
}

func (m *Manager) save(w http.ResponseWriter, r *http.Request, sess *sessions.Session, s *model.Session) error {
	if sess.Options == nil || sess.Options.MaxAge < 0 {
		// 同一リクエスト内で破棄済みのセッションを再利用する場合は既定の属性に戻す
		if fresh, _ := m.store.New(r, CookieName); fresh != nil && fresh.Options != nil {
			sess.Options = fresh.Options
		}
	}
	sess.Values[keyAccessToken] = s.AccessToken
	sess.Values[keyRefreshToken] = s.RefreshToken
	if err := sess.Save(r, w); err != nil {
		return fmt.Errorf("failed to save session cookie: %w", err)
	}
	return nil
}

func (m *Manager) clear(w http.ResponseWriter, r *http.Request, sess *sessions.Session) {
	if sess == nil {
		return
	}
	delete(sess.Values, keyAccessToken)
	delete(sess.Values, keyRefreshToken)
	if sess.Options == nil {
		sess.Options = &sessions.Options{Path: "/"}
	}
	sess.Options.MaxAge = -1
	if err := sess.Save(r, w); err != nil {
		m.logger.WarnContext(r.Context(), "failed to clear session cookie", slog.String("error", err.Error()))
	}
}
