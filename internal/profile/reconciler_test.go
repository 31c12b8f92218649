package profile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/coffeeshop/internal/model"
	"github.com/hitoshi/coffeeshop/internal/repository"
)

// memRepo はid一意性を保証するインメモリのProfileRepository。
type memRepo struct {
	mu       sync.Mutex
	rows     map[string]*model.Profile
	upserts  int
	findErr  error
	upsertFn func(p *model.Profile) (*model.Profile, error)
}

func newMemRepo() *memRepo {
	return &memRepo{rows: make(map[string]*model.Profile)}
}

func (m *memRepo) FindByID(_ context.Context, id string) (*model.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	if p, ok := m.rows[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

func (m *memRepo) Insert(_ context.Context, p *model.Profile) (*model.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[p.ID]; ok {
		return nil, repository.ErrDuplicateProfile
	}
	cp := *p
	m.rows[p.ID] = &cp
	return &cp, nil
}

func (m *memRepo) Upsert(_ context.Context, p *model.Profile, conflictKey string) (*model.Profile, error) {
	if conflictKey != repository.ConflictKeyID {
		return nil, repository.ErrUnsupportedConflictKey
	}
	if m.upsertFn != nil {
		return m.upsertFn(p)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	if existing, ok := m.rows[p.ID]; ok {
		cp := *existing
		return &cp, nil
	}
	cp := *p
	m.rows[p.ID] = &cp
	out := cp
	return &out, nil
}

func (m *memRepo) List(_ context.Context, _ repository.ListOptions) ([]*model.Profile, error) {
	return nil, nil
}

func (m *memRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// recordingReporter は報告されたエラーを保持する。
type recordingReporter struct {
	mu   sync.Mutex
	errs []error
}

func (r *recordingReporter) Report(_ context.Context, err error, _ string, _ ...slog.Attr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

// countingMetrics はプロフィール関連のカウンタだけを数える。
type countingMetrics struct {
	mu              sync.Mutex
	created         int
	persistFailures int
}

func (c *countingMetrics) RecordCallbackOutcome(string) {}
func (c *countingMetrics) RecordProfileCreated() {
	c.mu.Lock()
	c.created++
	c.mu.Unlock()
}
func (c *countingMetrics) RecordProfilePersistFailure() {
	c.mu.Lock()
	c.persistFailures++
	c.mu.Unlock()
}
func (c *countingMetrics) RecordGuardRedirect(string)                 {}
func (c *countingMetrics) RecordMagicLinkSent()                       {}
func (c *countingMetrics) RecordHTTPStatus(int)                       {}
func (c *countingMetrics) RecordBackendLatency(string, time.Duration) {}

const userID = "6f1c2a4e-8d3b-4f5a-9c7e-1b2d3e4f5a6b"

func newTestReconciler(repo repository.ProfileRepository) (*Reconciler, *recordingReporter, *countingMetrics) {
	rep := &recordingReporter{}
	mc := &countingMetrics{}
	r := NewReconciler(repo, nil, rep, mc)
	r.now = func() time.Time { return time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC) }
	return r, rep, mc
}

func TestEnsureProfile_EmptyUserID_ReturnsErrInvalidSession(t *testing.T) {
	r, _, _ := newTestReconciler(newMemRepo())

	_, err := r.EnsureProfile(context.Background(), &model.Session{Email: "a@example.com"}, nil)
	assert.ErrorIs(t, err, ErrInvalidSession)

	_, err = r.EnsureProfile(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestEnsureProfile_CreatesFromPendingSignup(t *testing.T) {
	repo := newMemRepo()
	r, rep, mc := newTestReconciler(repo)

	s := &model.Session{
		UserID:   userID,
		Email:    "jane@example.com",
		Metadata: map[string]any{"full_name": "Someone Else"},
	}
	pending := &model.PendingSignup{FirstName: "Jane", LastName: "Doe", City: "Kyoto"}

	p, err := r.EnsureProfile(context.Background(), s, pending)
	require.NoError(t, err)

	assert.Equal(t, userID, p.ID)
	assert.Equal(t, "jane@example.com", p.Email)
	assert.Equal(t, "Jane", p.FirstName)
	assert.Equal(t, "Doe", p.LastName)
	require.NotNil(t, p.City)
	assert.Equal(t, "Kyoto", *p.City)
	assert.Nil(t, p.Phone)
	assert.Equal(t, model.RoleCustomer, p.Role)
	assert.Equal(t, model.StatusActive, p.Status)
	assert.Equal(t, 1, repo.count())
	assert.Empty(t, rep.errs)
	assert.Equal(t, 1, mc.created)
}

func TestEnsureProfile_NamePriority(t *testing.T) {
	tests := []struct {
		name      string
		metadata  map[string]any
		pending   *model.PendingSignup
		wantFirst string
		wantLast  string
	}{
		{
			name:      "metadata firstname/lastname",
			metadata:  map[string]any{"firstname": "Ann", "lastname": "Lee"},
			wantFirst: "Ann",
			wantLast:  "Lee",
		},
		{
			name:      "full_name split on first space",
			metadata:  map[string]any{"full_name": "Mary Ann Smith"},
			wantFirst: "Mary",
			wantLast:  "Ann Smith",
		},
		{
			name:      "name used when full_name absent",
			metadata:  map[string]any{"name": "Taro Yamada"},
			wantFirst: "Taro",
			wantLast:  "Yamada",
		},
		{
			name:      "single word full_name",
			metadata:  map[string]any{"full_name": "Cher"},
			wantFirst: "Cher",
			wantLast:  "",
		},
		{
			name:      "pending first only, metadata supplies last",
			metadata:  map[string]any{"full_name": "Mary Smith"},
			pending:   &model.PendingSignup{FirstName: "Molly"},
			wantFirst: "Molly",
			wantLast:  "Smith",
		},
		{
			name:      "nothing available",
			metadata:  nil,
			wantFirst: DefaultFirstName,
			wantLast:  "",
		},
		{
			name:      "non-string metadata ignored",
			metadata:  map[string]any{"full_name": 42},
			wantFirst: DefaultFirstName,
			wantLast:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _, _ := newTestReconciler(newMemRepo())
			s := &model.Session{UserID: userID, Email: "x@example.com", Metadata: tt.metadata}

			p, err := r.EnsureProfile(context.Background(), s, tt.pending)
			require.NoError(t, err)
			assert.Equal(t, tt.wantFirst, p.FirstName)
			assert.Equal(t, tt.wantLast, p.LastName)
		})
	}
}

func TestEnsureProfile_ContactFieldsFallBackToMetadata(t *testing.T) {
	r, _, _ := newTestReconciler(newMemRepo())
	s := &model.Session{
		UserID:   userID,
		Metadata: map[string]any{"phone": "090-0000-0000", "zipcode": "600-8001"},
	}
	pending := &model.PendingSignup{Phone: "080-1111-2222"}

	p, err := r.EnsureProfile(context.Background(), s, pending)
	require.NoError(t, err)

	require.NotNil(t, p.Phone)
	assert.Equal(t, "080-1111-2222", *p.Phone)
	require.NotNil(t, p.Zipcode)
	assert.Equal(t, "600-8001", *p.Zipcode)
	assert.Nil(t, p.Address)
	assert.Nil(t, p.City)
}

func TestEnsureProfile_StripsMarkupFromProviderMetadata(t *testing.T) {
	r, _, _ := newTestReconciler(newMemRepo())
	s := &model.Session{
		UserID:   userID,
		Metadata: map[string]any{"full_name": "<b>Eve</b> <script>x</script>Hacker"},
	}

	p, err := r.EnsureProfile(context.Background(), s, nil)
	require.NoError(t, err)
	assert.Equal(t, "Eve", p.FirstName)
	assert.NotContains(t, p.LastName, "<")
}

func TestEnsureProfile_ExistingProfileWins(t *testing.T) {
	repo := newMemRepo()
	repo.rows[userID] = &model.Profile{
		ID:        userID,
		Email:     "admin@example.com",
		FirstName: "Original",
		LastName:  "Owner",
		Role:      model.RoleAdmin,
		Status:    model.StatusActive,
	}
	r, _, mc := newTestReconciler(repo)

	s := &model.Session{UserID: userID, Metadata: map[string]any{"full_name": "New Name"}}
	p, err := r.EnsureProfile(context.Background(), s, &model.PendingSignup{FirstName: "Stale"})
	require.NoError(t, err)

	assert.Equal(t, "Original", p.FirstName)
	assert.Equal(t, "Owner", p.LastName)
	assert.Equal(t, model.RoleAdmin, p.Role)
	assert.Equal(t, 0, repo.upserts)
	assert.Equal(t, 0, mc.created)
}

func TestEnsureProfile_ConcurrentCallsCreateOneRow(t *testing.T) {
	repo := newMemRepo()
	r, _, _ := newTestReconciler(repo)
	s := &model.Session{UserID: userID, Email: "race@example.com"}

	const n = 16
	var wg sync.WaitGroup
	results := make([]*model.Profile, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = r.EnsureProfile(context.Background(), s, nil)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, repo.count())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, userID, results[i].ID)
		assert.Equal(t, model.RoleCustomer, results[i].Role)
		assert.Equal(t, model.StatusActive, results[i].Status)
	}
}

func TestEnsureProfile_PersistFailure_ReturnsSynthesizedProfile(t *testing.T) {
	repo := newMemRepo()
	repo.upsertFn = func(*model.Profile) (*model.Profile, error) {
		return nil, errors.New("connection refused")
	}
	r, rep, mc := newTestReconciler(repo)

	s := &model.Session{UserID: userID, Email: "jane@example.com"}
	p, err := r.EnsureProfile(context.Background(), s, &model.PendingSignup{FirstName: "Jane"})
	require.NoError(t, err)

	assert.Equal(t, userID, p.ID)
	assert.Equal(t, "Jane", p.FirstName)
	assert.Equal(t, model.RoleCustomer, p.Role)
	require.Len(t, rep.errs, 1)
	assert.EqualError(t, rep.errs[0], "connection refused")
	assert.Equal(t, 1, mc.persistFailures)
	assert.Equal(t, 0, mc.created)
}

func TestEnsureProfile_UpsertReturnsNoRow_TreatedAsPersistFailure(t *testing.T) {
	repo := newMemRepo()
	repo.upsertFn = func(*model.Profile) (*model.Profile, error) { return nil, nil }
	r, rep, mc := newTestReconciler(repo)

	p, err := r.EnsureProfile(context.Background(), &model.Session{UserID: userID}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultFirstName, p.FirstName)
	assert.Len(t, rep.errs, 1)
	assert.Equal(t, 1, mc.persistFailures)
}

func TestEnsureProfile_LookupFailure_ReturnsError(t *testing.T) {
	repo := newMemRepo()
	repo.findErr = errors.New("timeout")
	r, _, _ := newTestReconciler(repo)

	p, err := r.EnsureProfile(context.Background(), &model.Session{UserID: userID}, nil)
	assert.Nil(t, p)
	assert.ErrorContains(t, err, "timeout")
	assert.Equal(t, 0, repo.count())
}
