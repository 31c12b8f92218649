package supabase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/coffeeshop/internal/model"
)

// ErrNoSession はトークン応答にセッションが含まれない場合に返される。
var ErrNoSession = errors.New("backend response did not contain a session")

// User は認証バックエンドのユーザー情報。
type User struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata"`
}

// tokenResponse はGoTrueの/tokenエンドポイントの応答。
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	RefreshToken string `json:"refresh_token"`
	User         *User  `json:"user"`
}

// session はトークン応答をmodel.Sessionに変換する。
func (t *tokenResponse) session(now time.Time) (*model.Session, error) {
	if t.AccessToken == "" || t.User == nil || t.User.ID == "" {
		return nil, ErrNoSession
	}
	return NewSession(t.User, t.AccessToken, t.RefreshToken, t.ExpiresAt, t.ExpiresIn, now), nil
}

// NewSession はユーザー情報とトークンからmodel.Sessionを組み立てる。
// expiresAt（UNIX秒）が0の場合はexpiresIn（秒）から期限を計算する。
func NewSession(u *User, accessToken, refreshToken string, expiresAt, expiresIn int64, now time.Time) *model.Session {
	s := &model.Session{
		UserID:       u.ID,
		Email:        u.Email,
		Metadata:     u.UserMetadata,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	}
	switch {
	case expiresAt > 0:
		s.ExpiresAt = time.Unix(expiresAt, 0)
	case expiresIn > 0:
		s.ExpiresAt = now.Add(time.Duration(expiresIn) * time.Second)
	}
	return s
}

// EmailLinkOptions はメールリンク送信の設定。
type EmailLinkOptions struct {
	RedirectTo    string         // クリック後の戻り先（絶対URL）
	Data          map[string]any // 新規ユーザーのuser_metadata
	CreateUser    bool           // 未登録のメールアドレスでユーザーを作成するか
	CodeChallenge string         // PKCEのcode_challenge。空の場合は暗黙フロー
}

// OAuthOptions はOAuth開始URLの設定。
type OAuthOptions struct {
	RedirectTo    string
	QueryParams   map[string]string // プロバイダーへ引き渡す追加パラメータ
	Scopes        []string
	CodeChallenge string
}

// SignInWithEmailLink はメールリンク（マジックリンク）を送信する。
func (c *Client) SignInWithEmailLink(ctx context.Context, email string, opts EmailLinkOptions) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return fmt.Errorf("email is required")
	}

	body := map[string]any{
		"email":       email,
		"create_user": opts.CreateUser,
	}
	if len(opts.Data) > 0 {
		body["data"] = opts.Data
	}
	if opts.CodeChallenge != "" {
		body["code_challenge"] = opts.CodeChallenge
		body["code_challenge_method"] = CodeChallengeMethod
	}

	var query url.Values
	if opts.RedirectTo != "" {
		query = url.Values{"redirect_to": {opts.RedirectTo}}
	}

	return c.do(ctx, request{
		op:     "send_email_link",
		method: http.MethodPost,
		path:   "/auth/v1/otp",
		query:  query,
		body:   body,
	})
}

// OAuthURL はOAuthプロバイダーの認可開始URLを返す。ネットワーク呼び出しは行わない。
func (c *Client) OAuthURL(provider string, opts OAuthOptions) (string, error) {
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return "", fmt.Errorf("provider is required")
	}

	q := url.Values{"provider": {provider}}
	if opts.RedirectTo != "" {
		q.Set("redirect_to", opts.RedirectTo)
	}
	if len(opts.Scopes) > 0 {
		q.Set("scopes", strings.Join(opts.Scopes, " "))
	}
	if opts.CodeChallenge != "" {
		q.Set("code_challenge", opts.CodeChallenge)
		q.Set("code_challenge_method", CodeChallengeMethod)
	}
	for k, v := range opts.QueryParams {
		if q.Has(k) {
			continue
		}
		q.Set(k, v)
	}
	return c.endpoint("/auth/v1/authorize", q), nil
}

// ExchangeCodeForSession は認可コードとcode_verifierをセッションに交換する。
func (c *Client) ExchangeCodeForSession(ctx context.Context, code, verifier string) (*model.Session, error) {
	if code == "" {
		return nil, fmt.Errorf("authorization code is required")
	}
	var tr tokenResponse
	err := c.do(ctx, request{
		op:     "token_exchange",
		method: http.MethodPost,
		path:   "/auth/v1/token",
		query:  url.Values{"grant_type": {"pkce"}},
		body:   map[string]string{"auth_code": code, "code_verifier": verifier},
		out:    &tr,
	})
	if err != nil {
		return nil, err
	}
	return tr.session(time.Now())
}

// RefreshSession はリフレッシュトークンで新しいセッションを取得する。
func (c *Client) RefreshSession(ctx context.Context, refreshToken string) (*model.Session, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("refresh token is required")
	}
	var tr tokenResponse
	err := c.do(ctx, request{
		op:     "token_refresh",
		method: http.MethodPost,
		path:   "/auth/v1/token",
		query:  url.Values{"grant_type": {"refresh_token"}},
		body:   map[string]string{"refresh_token": refreshToken},
		out:    &tr,
	})
	if err != nil {
		return nil, err
	}
	return tr.session(time.Now())
}

// SignOut はアクセストークンに紐づくセッションをバックエンド側で無効化する。
func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	if accessToken == "" {
		return nil
	}
	return c.do(ctx, request{
		op:     "sign_out",
		method: http.MethodPost,
		path:   "/auth/v1/logout",
		bearer: accessToken,
	})
}

// GetUser はアクセストークンの持ち主をバックエンドに問い合わせる。
func (c *Client) GetUser(ctx context.Context, accessToken string) (*User, error) {
	if accessToken == "" {
		return nil, fmt.Errorf("access token is required")
	}
	var u User
	err := c.do(ctx, request{
		op:     "get_user",
		method: http.MethodGet,
		path:   "/auth/v1/user",
		bearer: accessToken,
		out:    &u,
	})
	if err != nil {
		return nil, err
	}
	if u.ID == "" {
		return nil, ErrNoSession
	}
	return &u, nil
}
