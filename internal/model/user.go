// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// Role はプロフィールのロールを表す。
type Role string

const (
	// RoleCustomer はセルフサインアップで付与される唯一のロール。
	RoleCustomer Role = "customer"
	// RoleStaff は店舗スタッフ。
	RoleStaff Role = "staff"
	// RoleManager は店舗マネージャー。
	RoleManager Role = "manager"
	// RoleAdmin は管理者。
	RoleAdmin Role = "admin"
)

// Valid は既知のロールかどうかを返す。
func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleStaff, RoleManager, RoleAdmin:
		return true
	default:
		return false
	}
}

// Status はプロフィールのアカウント状態を表す。
type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusSuspended Status = "suspended"
)

// Valid は既知の状態かどうかを返す。
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusSuspended:
		return true
	default:
		return false
	}
}

// Session はホスト型認証バックエンドが発行したログインセッションを表す。
// このシステムからは読み取り専用で、変更しない。
type Session struct {
	UserID       string
	Email        string
	Metadata     map[string]any // プロバイダー由来のuser_metadata
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Expired はセッションが期限切れかどうかを返す。
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// MetadataString はuser_metadataから文字列値を取り出す。
// 存在しない場合や文字列でない場合は空文字列を返す。
func (s *Session) MetadataString(key string) string {
	if s == nil || s.Metadata == nil {
		return ""
	}
	v, ok := s.Metadata[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}

// Profile はusersテーブルの1行を表す。
// IDはセッションのユーザーIDと一致し、変更されない。
type Profile struct {
	ID        string
	Email     string
	FirstName string
	LastName  string
	Phone     *string
	Address   *string
	City      *string
	Zipcode   *string
	Role      Role
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// FullName は氏名を返す。氏名が空の場合はメールアドレスを返す。
func (p *Profile) FullName() string {
	var parts []string
	for _, s := range []string{p.FirstName, p.LastName} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return p.Email
	}
	return strings.Join(parts, " ")
}

// UserData はプロフィールからキャッシュ用の射影を生成する。
func (p *Profile) UserData() *UserData {
	return &UserData{
		ID:        p.ID,
		FirstName: p.FirstName,
		LastName:  p.LastName,
		Email:     p.Email,
		Role:      p.Role,
		Status:    p.Status,
	}
}

// UserData はプロフィールの最小射影。
// remember-meが有効な場合のみブラウザ側にキャッシュされる。
type UserData struct {
	ID        string `json:"id"`
	FirstName string `json:"firstname"`
	LastName  string `json:"lastname"`
	Email     string `json:"email"`
	Role      Role   `json:"role"`
	Status    Status `json:"status"`
}

// PendingSignup はOAuthリダイレクト前に入力されたサインアップフォームの内容。
type PendingSignup struct {
	FirstName string `json:"firstname,omitempty"`
	LastName  string `json:"lastname,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Address   string `json:"address,omitempty"`
	City      string `json:"city,omitempty"`
	Zipcode   string `json:"zipcode,omitempty"`
}

// IsEmpty は全フィールドが空かどうかを返す。
func (p PendingSignup) IsEmpty() bool {
	return p == PendingSignup{}
}
