package handler

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/coffeeshop/internal/appurl"
	"github.com/hitoshi/coffeeshop/internal/callback"
	"github.com/hitoshi/coffeeshop/internal/localcache"
	"github.com/hitoshi/coffeeshop/internal/middleware"
	"github.com/hitoshi/coffeeshop/internal/model"
	"github.com/hitoshi/coffeeshop/internal/repository"
	"github.com/hitoshi/coffeeshop/internal/supabase"
)

// --- モック定義 ---

type mockAuthClient struct {
	signInFn   func(ctx context.Context, email string, opts supabase.EmailLinkOptions) error
	oauthURLFn func(provider string, opts supabase.OAuthOptions) (string, error)
}

func (m *mockAuthClient) SignInWithEmailLink(ctx context.Context, email string, opts supabase.EmailLinkOptions) error {
	if m.signInFn != nil {
		return m.signInFn(ctx, email, opts)
	}
	return nil
}

func (m *mockAuthClient) OAuthURL(provider string, opts supabase.OAuthOptions) (string, error) {
	if m.oauthURLFn != nil {
		return m.oauthURLFn(provider, opts)
	}
	return "https://backend.example.com/auth/v1/authorize?provider=" + provider, nil
}

type mockSessionManager struct {
	getSessionFn func(w http.ResponseWriter, r *http.Request) (*model.Session, error)
	exchangeFn   func(ctx context.Context, code, verifier string) (*model.Session, error)
	adoptFn      func(ctx context.Context, accessToken, refreshToken string, expiresIn int64) (*model.Session, error)
	establishFn  func(w http.ResponseWriter, r *http.Request, s *model.Session) error
	signOutFn    func(w http.ResponseWriter, r *http.Request) error
}

func (m *mockSessionManager) GetSession(w http.ResponseWriter, r *http.Request) (*model.Session, error) {
	if m.getSessionFn != nil {
		return m.getSessionFn(w, r)
	}
	return nil, nil
}

func (m *mockSessionManager) Exchange(ctx context.Context, code, verifier string) (*model.Session, error) {
	if m.exchangeFn != nil {
		return m.exchangeFn(ctx, code, verifier)
	}
	return nil, nil
}

func (m *mockSessionManager) Adopt(ctx context.Context, accessToken, refreshToken string, expiresIn int64) (*model.Session, error) {
	if m.adoptFn != nil {
		return m.adoptFn(ctx, accessToken, refreshToken, expiresIn)
	}
	return nil, nil
}

func (m *mockSessionManager) Establish(w http.ResponseWriter, r *http.Request, s *model.Session) error {
	if m.establishFn != nil {
		return m.establishFn(w, r, s)
	}
	return nil
}

func (m *mockSessionManager) SignOut(w http.ResponseWriter, r *http.Request) error {
	if m.signOutFn != nil {
		return m.signOutFn(w, r)
	}
	return nil
}

type mockCallbackRunner struct {
	runFn func(ctx context.Context, in callback.Input) callback.Outcome
}

func (m *mockCallbackRunner) Run(ctx context.Context, in callback.Input) callback.Outcome {
	if m.runFn != nil {
		return m.runFn(ctx, in)
	}
	return callback.Outcome{State: callback.StateFailure, Redirect: "/"}
}

type mockUserService struct {
	profileFn      func(ctx context.Context, id string) (*model.Profile, error)
	listProfilesFn func(ctx context.Context, opts repository.ListOptions) ([]*model.Profile, error)
}

func (m *mockUserService) Profile(ctx context.Context, id string) (*model.Profile, error) {
	if m.profileFn != nil {
		return m.profileFn(ctx, id)
	}
	return nil, model.NewProfileNotFoundError()
}

func (m *mockUserService) ListProfiles(ctx context.Context, opts repository.ListOptions) ([]*model.Profile, error) {
	if m.listProfilesFn != nil {
		return m.listProfilesFn(ctx, opts)
	}
	return nil, nil
}

type mockViewerResolver struct {
	resolveFn func(ctx context.Context, s *model.Session, cache *localcache.UserCache) *model.UserData
}

func (m *mockViewerResolver) Resolve(ctx context.Context, s *model.Session, cache *localcache.UserCache) *model.UserData {
	if m.resolveFn != nil {
		return m.resolveFn(ctx, s, cache)
	}
	return nil
}

// memProfileRepo はUpsertの衝突時無視を再現するインメモリ実装。
type memProfileRepo struct {
	mu   sync.Mutex
	rows map[string]*model.Profile
}

func newMemProfileRepo() *memProfileRepo {
	return &memProfileRepo{rows: make(map[string]*model.Profile)}
}

func (m *memProfileRepo) FindByID(_ context.Context, id string) (*model.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[id], nil
}

func (m *memProfileRepo) Insert(_ context.Context, p *model.Profile) (*model.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[p.ID]; ok {
		return nil, repository.ErrDuplicateProfile
	}
	m.rows[p.ID] = p
	return p, nil
}

func (m *memProfileRepo) Upsert(_ context.Context, p *model.Profile, _ string) (*model.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.rows[p.ID]; ok {
		return existing, nil
	}
	m.rows[p.ID] = p
	return p, nil
}

func (m *memProfileRepo) List(context.Context, repository.ListOptions) ([]*model.Profile, error) {
	return nil, nil
}

// recordingMetrics はハンドラーが記録するメトリクスを保持する。
type recordingMetrics struct {
	mu            sync.Mutex
	magicLinks    int
	outcomes      []string
	guardRedirect []string
}

func (r *recordingMetrics) RecordCallbackOutcome(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}
func (r *recordingMetrics) RecordProfileCreated()        {}
func (r *recordingMetrics) RecordProfilePersistFailure() {}
func (r *recordingMetrics) RecordGuardRedirect(group string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.guardRedirect = append(r.guardRedirect, group)
}
func (r *recordingMetrics) RecordMagicLinkSent() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.magicLinks++
}
func (r *recordingMetrics) RecordHTTPStatus(int)                       {}
func (r *recordingMetrics) RecordBackendLatency(string, time.Duration) {}

// --- テストヘルパー ---

const testAppURL = "https://cafe.example.com"

func testURLs(t *testing.T) *appurl.Builder {
	t.Helper()
	b, err := appurl.NewBuilder(testAppURL)
	if err != nil {
		t.Fatalf("NewBuilder() error: %v", err)
	}
	return b
}

func testRenderer(t *testing.T) *Renderer {
	t.Helper()
	rd, err := NewRenderer()
	if err != nil {
		t.Fatalf("NewRenderer() error: %v", err)
	}
	return rd
}

// withCache はメモリ上のローカルキャッシュをリクエストに注入する。
func withCache(req *http.Request) (*http.Request, *localcache.Cache) {
	cache := localcache.New(localcache.NewMemoryStore(), nil)
	return req.WithContext(middleware.ContextWithLocalCache(req.Context(), cache)), cache
}

func withViewer(req *http.Request, v *model.UserData) *http.Request {
	return req.WithContext(middleware.ContextWithViewer(req.Context(), v))
}
