package localcache

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/hitoshi/coffeeshop/internal/model"
)

// Cache はローカルキャッシュの各スロットへのアクセスをまとめる。
// storeがnilの場合、全ての操作は何もしない。
type Cache struct {
	store   Store
	logger  *slog.Logger
	Pending *Pending
	User    *UserCache
}

// New はCacheを生成する。
func New(store Store, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		store:   store,
		logger:  logger,
		Pending: &Pending{store: store, logger: logger},
		User:    &UserCache{store: store, logger: logger},
	}
}

// SaveCodeVerifier はPKCEのcode_verifierを保存する。
func (c *Cache) SaveCodeVerifier(verifier string) {
	if c.store == nil || verifier == "" {
		return
	}
	c.store.Set(KeyCodeVerifier, verifier)
}

// TakeCodeVerifier はcode_verifierを取り出して削除する。
func (c *Cache) TakeCodeVerifier() string {
	if c.store == nil {
		return ""
	}
	v, _ := c.store.Get(KeyCodeVerifier)
	c.store.Remove(KeyCodeVerifier)
	return v
}

// Reset は全スロットを削除する。サインアウト時に使う。
func (c *Cache) Reset() {
	if c.store == nil {
		return
	}
	for _, k := range []string{KeyPendingSignup, KeyUserData, KeyRememberMe, KeyCodeVerifier} {
		c.store.Remove(k)
	}
}

// Pending はOAuthリダイレクトをまたいでサインアップ入力を保持する。
type Pending struct {
	store  Store
	logger *slog.Logger
}

// Save はサインアップ入力を保存する。既存の値は上書きする。
func (p *Pending) Save(data model.PendingSignup) error {
	if p.store == nil {
		return nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	p.store.Set(KeyPendingSignup, string(b))
	return nil
}

// Read は保存された入力を返し、スロットを削除する（1回限り）。
// 内容が壊れている場合や空の場合はnilを返す。
func (p *Pending) Read() *model.PendingSignup {
	if p.store == nil {
		return nil
	}
	raw, ok := p.store.Get(KeyPendingSignup)
	if !ok {
		return nil
	}
	p.store.Remove(KeyPendingSignup)

	var data model.PendingSignup
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		p.logger.Warn("discarding malformed pending signup data", slog.String("error", err.Error()))
		return nil
	}
	data = model.PendingSignup{
		FirstName: strings.TrimSpace(data.FirstName),
		LastName:  strings.TrimSpace(data.LastName),
		Phone:     strings.TrimSpace(data.Phone),
		Address:   strings.TrimSpace(data.Address),
		City:      strings.TrimSpace(data.City),
		Zipcode:   strings.TrimSpace(data.Zipcode),
	}
	if data.IsEmpty() {
		return nil
	}
	return &data
}

// Clear はスロットを削除する。
func (p *Pending) Clear() {
	if p.store == nil {
		return
	}
	p.store.Remove(KeyPendingSignup)
}

// UserCache はremember-me時のみユーザー情報の射影を保持する。
type UserCache struct {
	store  Store
	logger *slog.Logger
}

// SetRemember はremember-meフラグを設定する。無効化した場合はユーザー情報も削除する。
func (u *UserCache) SetRemember(remember bool) {
	if u.store == nil {
		return
	}
	if remember {
		u.store.Set(KeyRememberMe, "true")
		return
	}
	u.store.Remove(KeyRememberMe)
	u.store.Remove(KeyUserData)
}

// ShouldRemember はremember-meフラグが立っているかを返す。
func (u *UserCache) ShouldRemember() bool {
	if u.store == nil {
		return false
	}
	v, ok := u.store.Get(KeyRememberMe)
	return ok && v == "true"
}

// SaveIfRemember はremember-meが有効な場合のみプロフィールの射影を保存する。
func (u *UserCache) SaveIfRemember(p *model.Profile) bool {
	if u.store == nil || p == nil || !u.ShouldRemember() {
		return false
	}
	b, err := json.Marshal(p.UserData())
	if err != nil {
		return false
	}
	u.store.Set(KeyUserData, string(b))
	return true
}

// Load は保存されたユーザー情報を返す。
// 構造が不正な場合は削除してnilを返す。remember-meが無効な場合もnilを返す。
func (u *UserCache) Load() *model.UserData {
	if u.store == nil {
		return nil
	}
	raw, ok := u.store.Get(KeyUserData)
	if !ok {
		return nil
	}
	if !u.ShouldRemember() {
		u.store.Remove(KeyUserData)
		return nil
	}

	var data model.UserData
	if err := json.Unmarshal([]byte(raw), &data); err != nil || !validUserData(&data) {
		u.logger.Warn("discarding malformed cached user data")
		u.store.Remove(KeyUserData)
		return nil
	}
	return &data
}

// Invalidate はユーザー情報を削除する。remember-meフラグは残す。
func (u *UserCache) Invalidate() {
	if u.store == nil {
		return
	}
	u.store.Remove(KeyUserData)
}

func validUserData(d *model.UserData) bool {
	return d.ID != "" && d.Email != "" && d.Role.Valid() && d.Status.Valid()
}
