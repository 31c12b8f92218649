// Package localcache はブラウザ単位で保持する小さなキー・バリュー領域を提供する。
// サインアップ途中の入力、remember-me時のユーザー情報、PKCEのcode_verifierを置く。
package localcache

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/sessions"
)

// CookieName はローカルキャッシュcookieの名前。
const CookieName = "coffeeshop_local"

// 保存キー
const (
	KeyPendingSignup = "pendingOAuthSignup"
	KeyUserData      = "userData"
	KeyRememberMe    = "rememberMe"
	KeyCodeVerifier  = "codeVerifier"
)

// Store は文字列のキー・バリュー操作。
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string)
	Remove(key string)
}

// CookieJar は1リクエスト分のcookieを裏付けとするStore。
// 変更はSaveを呼ぶまでレスポンスに書き出されない。
type CookieJar struct {
	mu    sync.Mutex
	sess  *sessions.Session
	dirty bool
}

// OpenCookieJar はリクエストのcookieを読み込む。
// 復号できないcookieは空として扱い、次のSaveで上書きする。
func OpenCookieJar(store sessions.Store, r *http.Request) *CookieJar {
	sess, err := store.Get(r, CookieName)
	if err != nil || sess == nil {
		sess, _ = store.New(r, CookieName)
		if sess == nil {
			sess = sessions.NewSession(store, CookieName)
		}
		sess.Values = make(map[any]any)
		return &CookieJar{sess: sess, dirty: true}
	}
	return &CookieJar{sess: sess}
}

// Get は値を返す。
func (j *CookieJar) Get(key string) (string, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	v, ok := j.sess.Values[key].(string)
	return v, ok
}

// Set は値を保存する。
func (j *CookieJar) Set(key, value string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.sess.Values[key] = value
	j.dirty = true
}

// Remove は値を削除する。
func (j *CookieJar) Remove(key string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.sess.Values[key]; ok {
		delete(j.sess.Values, key)
		j.dirty = true
	}
}

// Save は変更があった場合のみcookieを書き出す。空になった場合はcookieを削除する。
func (j *CookieJar) Save(w http.ResponseWriter, r *http.Request) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.dirty {
		return nil
	}
	if len(j.sess.Values) == 0 && j.sess.Options != nil {
		opts := *j.sess.Options
		opts.MaxAge = -1
		j.sess.Options = &opts
	}
	if err := j.sess.Save(r, w); err != nil {
		return fmt.Errorf("failed to save local cache cookie: %w", err)
	}
	j.dirty = false
	return nil
}

// MemoryStore はプロセス内のStore。テストやcookieを使えない呼び出し元で使う。
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore はMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

// Get は値を返す。
func (m *MemoryStore) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

// Set は値を保存する。
func (m *MemoryStore) Set(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
}

// Remove は値を削除する。
func (m *MemoryStore) Remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
}

// Len は保存されている件数を返す。
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}

// compile-time interface check
var (
	_ Store = (*CookieJar)(nil)
	_ Store = (*MemoryStore)(nil)
)
