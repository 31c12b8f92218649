package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/coffeeshop/internal/model"
)

// DefaultAudience はバックエンドが発行するアクセストークンのaud。
const DefaultAudience = "authenticated"

// ErrTokenExpired はアクセストークンの有効期限切れを表す。
var ErrTokenExpired = errors.New("access token expired")

// Claims はバックエンド発行のアクセストークンのクレーム。
type Claims struct {
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata"`
	Role         string         `json:"role"`
	jwt.RegisteredClaims
}

// TokenVerifier はHS256署名のアクセストークンを検証する。
type TokenVerifier struct {
	secret   []byte
	audience string
	now      func() time.Time
}

// NewTokenVerifier はTokenVerifierを生成する。audienceが空の場合はaudを検証しない。
func NewTokenVerifier(secret, audience string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret), audience: audience, now: time.Now}
}

// Verify は署名と有効期限を検証してクレームを返す。
// 期限切れの場合はErrTokenExpiredを返す。
func (v *TokenVerifier) Verify(token string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, ErrTokenExpired
	}
	if err != nil {
		return nil, fmt.Errorf("invalid access token: %w", err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid access token")
	}
	if claims.Subject == "" {
		return nil, errors.New("invalid access token: missing subject")
	}
	return claims, nil
}

// Session はクレームとトークンからmodel.Sessionを組み立てる。
func (c *Claims) Session(accessToken, refreshToken string) *model.Session {
	s := &model.Session{
		UserID:       c.Subject,
		Email:        c.Email,
		Metadata:     c.UserMetadata,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	}
	if c.ExpiresAt != nil {
		s.ExpiresAt = c.ExpiresAt.Time
	}
	return s
}
