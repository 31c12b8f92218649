package user

import (
	"context"
	"errors"
	"testing"

	"github.com/hitoshi/coffeeshop/internal/localcache"
	"github.com/hitoshi/coffeeshop/internal/model"
	"github.com/hitoshi/coffeeshop/internal/profile"
	"github.com/hitoshi/coffeeshop/internal/repository"
)

// --- モック ---

type mockProfileRepo struct {
	findByIDFn func(ctx context.Context, id string) (*model.Profile, error)
	upsertFn   func(ctx context.Context, p *model.Profile, conflictKey string) (*model.Profile, error)
	listFn     func(ctx context.Context, opts repository.ListOptions) ([]*model.Profile, error)
}

func (m *mockProfileRepo) FindByID(ctx context.Context, id string) (*model.Profile, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}
func (m *mockProfileRepo) Insert(ctx context.Context, p *model.Profile) (*model.Profile, error) {
	return p, nil
}
func (m *mockProfileRepo) Upsert(ctx context.Context, p *model.Profile, conflictKey string) (*model.Profile, error) {
	if m.upsertFn != nil {
		return m.upsertFn(ctx, p, conflictKey)
	}
	return p, nil
}
func (m *mockProfileRepo) List(ctx context.Context, opts repository.ListOptions) ([]*model.Profile, error) {
	if m.listFn != nil {
		return m.listFn(ctx, opts)
	}
	return nil, nil
}

type mockProfileEnsurer struct {
	ensureProfileFn func(ctx context.Context, s *model.Session, pending *model.PendingSignup) (*model.Profile, error)
}

func (m *mockProfileEnsurer) EnsureProfile(ctx context.Context, s *model.Session, pending *model.PendingSignup) (*model.Profile, error) {
	if m.ensureProfileFn != nil {
		return m.ensureProfileFn(ctx, s, pending)
	}
	return nil, nil
}

func session() *model.Session {
	return &model.Session{UserID: "u-1", Email: "u1@example.com"}
}

// --- テスト ---

// TestService_Resolve_ReturnsProfileProjection はプロフィールの射影を返すことを検証する。
func TestService_Resolve_ReturnsProfileProjection(t *testing.T) {
	repo := &mockProfileRepo{
		findByIDFn: func(ctx context.Context, id string) (*model.Profile, error) {
			return &model.Profile{ID: id, Email: "u1@example.com", FirstName: "Ann", Role: model.RoleManager, Status: model.StatusActive}, nil
		},
	}
	svc := NewService(repo, nil, nil)

	got := svc.Resolve(context.Background(), session(), nil)
	if got == nil {
		t.Fatal("expected viewer, got nil")
	}
	if got.Role != model.RoleManager {
		t.Errorf("Role = %q, want %q", got.Role, model.RoleManager)
	}
	if got.FirstName != "Ann" {
		t.Errorf("FirstName = %q, want %q", got.FirstName, "Ann")
	}
}

// TestService_Resolve_LookupError_LeastPrivilege は取得失敗時に顧客扱いになることを検証する。
func TestService_Resolve_LookupError_LeastPrivilege(t *testing.T) {
	repo := &mockProfileRepo{
		findByIDFn: func(ctx context.Context, id string) (*model.Profile, error) {
			return nil, errors.New("db down")
		},
	}
	svc := NewService(repo, nil, nil)

	got := svc.Resolve(context.Background(), session(), nil)
	if got == nil {
		t.Fatal("expected viewer, got nil")
	}
	if got.Role != model.RoleCustomer {
		t.Errorf("Role = %q, want customer", got.Role)
	}
	if got.Status != model.StatusActive {
		t.Errorf("Status = %q, want active", got.Status)
	}
}

// TestService_Resolve_MissingProfile_NoEnsurer_LeastPrivilege は再整合なしの構成でプロフィール未作成時に顧客扱いになることを検証する。
func TestService_Resolve_MissingProfile_NoEnsurer_LeastPrivilege(t *testing.T) {
	svc := NewService(&mockProfileRepo{}, nil, nil)

	got := svc.Resolve(context.Background(), session(), nil)
	if got == nil || got.Role != model.RoleCustomer {
		t.Fatalf("expected customer viewer, got %+v", got)
	}
	if got.Email != "u1@example.com" {
		t.Errorf("Email = %q, want session email", got.Email)
	}
}

// TestService_Resolve_MissingProfile_RetriesReconciliation は行のないセッションを確認するたびに
// プロフィールの保存が再試行されることを検証する。
func TestService_Resolve_MissingProfile_RetriesReconciliation(t *testing.T) {
	var upserts int
	repo := &mockProfileRepo{
		upsertFn: func(ctx context.Context, p *model.Profile, conflictKey string) (*model.Profile, error) {
			upserts++
			if conflictKey != repository.ConflictKeyID {
				t.Errorf("conflictKey = %q, want %q", conflictKey, repository.ConflictKeyID)
			}
			return nil, errors.New("insert failed")
		},
	}
	svc := NewService(repo, profile.NewReconciler(repo, nil, nil, nil), nil)

	for i := 0; i < 3; i++ {
		got := svc.Resolve(context.Background(), session(), nil)
		if got == nil || got.Role != model.RoleCustomer || got.Status != model.StatusActive {
			t.Fatalf("check %d: expected active customer viewer, got %+v", i, got)
		}
	}
	if upserts != 3 {
		t.Errorf("upserts = %d, want 3 (one per session check)", upserts)
	}
}

// TestService_Resolve_MissingProfile_UsesReconciledProfile は再整合で得たプロフィールを返すことを検証する。
func TestService_Resolve_MissingProfile_UsesReconciledProfile(t *testing.T) {
	var gotPending *model.PendingSignup
	ensurer := &mockProfileEnsurer{
		ensureProfileFn: func(ctx context.Context, s *model.Session, pending *model.PendingSignup) (*model.Profile, error) {
			gotPending = pending
			return &model.Profile{ID: s.UserID, Email: s.Email, FirstName: "Jane", Role: model.RoleCustomer, Status: model.StatusActive}, nil
		},
	}
	svc := NewService(&mockProfileRepo{}, ensurer, nil)

	got := svc.Resolve(context.Background(), session(), nil)
	if got == nil || got.FirstName != "Jane" {
		t.Fatalf("expected reconciled viewer, got %+v", got)
	}
	if gotPending != nil {
		t.Errorf("pending = %+v, want nil on session check", gotPending)
	}
}

// TestService_Resolve_ReconcileError_LeastPrivilege は再整合の失敗時に顧客扱いになることを検証する。
func TestService_Resolve_ReconcileError_LeastPrivilege(t *testing.T) {
	ensurer := &mockProfileEnsurer{
		ensureProfileFn: func(context.Context, *model.Session, *model.PendingSignup) (*model.Profile, error) {
			return nil, errors.New("backend unavailable")
		},
	}
	svc := NewService(&mockProfileRepo{}, ensurer, nil)

	got := svc.Resolve(context.Background(), session(), nil)
	if got == nil || got.Role != model.RoleCustomer {
		t.Fatalf("expected customer viewer, got %+v", got)
	}
}

// TestService_Resolve_NoSession_InvalidatesCache はセッションがない場合にキャッシュを破棄することを検証する。
func TestService_Resolve_NoSession_InvalidatesCache(t *testing.T) {
	store := localcache.NewMemoryStore()
	cache := localcache.New(store, nil)
	cache.User.SetRemember(true)
	cache.User.SaveIfRemember(&model.Profile{ID: "u-1", Email: "u1@example.com", Role: model.RoleCustomer, Status: model.StatusActive})

	svc := NewService(&mockProfileRepo{}, nil, nil)
	if got := svc.Resolve(context.Background(), nil, cache.User); got != nil {
		t.Fatalf("expected nil viewer, got %+v", got)
	}
	if _, ok := store.Get(localcache.KeyUserData); ok {
		t.Error("cached user data should be removed when no session exists")
	}
}

// TestService_Resolve_RefreshesCacheWhenRemembered はremember-me時にキャッシュを更新することを検証する。
func TestService_Resolve_RefreshesCacheWhenRemembered(t *testing.T) {
	repo := &mockProfileRepo{
		findByIDFn: func(ctx context.Context, id string) (*model.Profile, error) {
			return &model.Profile{ID: id, Email: "u1@example.com", Role: model.RoleStaff, Status: model.StatusActive}, nil
		},
	}
	cache := localcache.New(localcache.NewMemoryStore(), nil)
	cache.User.SetRemember(true)

	NewService(repo, nil, nil).Resolve(context.Background(), session(), cache.User)

	cached := cache.User.Load()
	if cached == nil || cached.Role != model.RoleStaff {
		t.Fatalf("expected cached staff viewer, got %+v", cached)
	}
}

// TestService_Profile_NotFound はプロフィールがない場合にAPIErrorを返すことを検証する。
func TestService_Profile_NotFound(t *testing.T) {
	svc := NewService(&mockProfileRepo{}, nil, nil)

	_, err := svc.Profile(context.Background(), "missing")

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != model.ErrCodeProfileNotFound {
		t.Errorf("Code = %q, want %q", apiErr.Code, model.ErrCodeProfileNotFound)
	}
}

// TestService_ListProfiles_PassesOptions は一覧取得条件がリポジトリに渡ることを検証する。
func TestService_ListProfiles_PassesOptions(t *testing.T) {
	var got repository.ListOptions
	repo := &mockProfileRepo{
		listFn: func(ctx context.Context, opts repository.ListOptions) ([]*model.Profile, error) {
			got = opts
			return []*model.Profile{{ID: "a"}, {ID: "b"}}, nil
		},
	}
	svc := NewService(repo, nil, nil)

	profiles, err := svc.ListProfiles(context.Background(), repository.ListOptions{Role: model.RoleStaff, Limit: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(profiles) != 2 {
		t.Errorf("len = %d, want 2", len(profiles))
	}
	if got.Role != model.RoleStaff || got.Limit != 10 {
		t.Errorf("options = %+v, want role=staff limit=10", got)
	}
}

// TestService_ListProfiles_RejectsUnknownRole は未知のロール指定を検証エラーにすることを検証する。
func TestService_ListProfiles_RejectsUnknownRole(t *testing.T) {
	called := false
	repo := &mockProfileRepo{
		listFn: func(ctx context.Context, opts repository.ListOptions) ([]*model.Profile, error) {
			called = true
			return nil, nil
		},
	}

	_, err := NewService(repo, nil, nil).ListProfiles(context.Background(), repository.ListOptions{Role: "owner"})

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeValidationFailed {
		t.Fatalf("expected validation error, got %v", err)
	}
	if called {
		t.Error("repository should not be called for an invalid role")
	}
}
