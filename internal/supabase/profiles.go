package supabase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/coffeeshop/internal/model"
	"github.com/hitoshi/coffeeshop/internal/repository"
)

const (
	profilesPath     = "/rest/v1/users"
	defaultListLimit = 50
	maxListLimit     = 200
)

// profileRow はPostgRESTのusers行のJSON表現。
type profileRow struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FirstName string    `json:"firstname"`
	LastName  string    `json:"lastname"`
	Phone     *string   `json:"phone"`
	Address   *string   `json:"address"`
	City      *string   `json:"city"`
	Zipcode   *string   `json:"zipcode"`
	Role      string    `json:"role"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (r *profileRow) profile() *model.Profile {
	return &model.Profile{
		ID:        r.ID,
		Email:     r.Email,
		FirstName: r.FirstName,
		LastName:  r.LastName,
		Phone:     r.Phone,
		Address:   r.Address,
		City:      r.City,
		Zipcode:   r.Zipcode,
		Role:      model.Role(r.Role),
		Status:    model.Status(r.Status),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// insertRow は作成時に送る列。タイムスタンプはデータベースの既定値に任せる。
type insertRow struct {
	ID        string  `json:"id"`
	Email     string  `json:"email"`
	FirstName string  `json:"firstname"`
	LastName  string  `json:"lastname"`
	Phone     *string `json:"phone"`
	Address   *string `json:"address"`
	City      *string `json:"city"`
	Zipcode   *string `json:"zipcode"`
	Role      string  `json:"role"`
	Status    string  `json:"status"`
}

func newInsertRow(p *model.Profile) insertRow {
	row := insertRow{
		ID:        p.ID,
		Email:     p.Email,
		FirstName: p.FirstName,
		LastName:  p.LastName,
		Phone:     p.Phone,
		Address:   p.Address,
		City:      p.City,
		Zipcode:   p.Zipcode,
		Role:      string(p.Role),
		Status:    string(p.Status),
	}
	if row.Role == "" {
		row.Role = string(model.RoleCustomer)
	}
	if row.Status == "" {
		row.Status = string(model.StatusActive)
	}
	return row
}

// RESTProfileRepo はPostgREST経由のプロフィールリポジトリ。
// サービスキーで生成したClientを渡すこと。
type RESTProfileRepo struct {
	client *Client
}

// NewRESTProfileRepo はRESTProfileRepoを生成する。
func NewRESTProfileRepo(client *Client) *RESTProfileRepo {
	return &RESTProfileRepo{client: client}
}

// FindByID は指定IDのプロフィールを取得する。見つからない場合はnilを返す。
func (r *RESTProfileRepo) FindByID(ctx context.Context, id string) (*model.Profile, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	var rows []profileRow
	err := r.client.do(ctx, request{
		op:     "profile_find",
		method: http.MethodGet,
		path:   profilesPath,
		query:  url.Values{"select": {"*"}, "id": {"eq." + id}, "limit": {"1"}},
		out:    &rows,
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0].profile(), nil
}

// Insert はプロフィールを作成する。
func (r *RESTProfileRepo) Insert(ctx context.Context, profile *model.Profile) (*model.Profile, error) {
	if err := validateID(profile.ID); err != nil {
		return nil, err
	}
	var rows []profileRow
	err := r.client.do(ctx, request{
		op:     "profile_insert",
		method: http.MethodPost,
		path:   profilesPath,
		header: http.Header{"Prefer": {"return=representation"}},
		body:   []insertRow{newInsertRow(profile)},
		out:    &rows,
	})
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
		return nil, fmt.Errorf("%w: %s", repository.ErrDuplicateProfile, profile.ID)
	}
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("profile_insert: backend returned no row for %s", profile.ID)
	}
	return rows[0].profile(), nil
}

// Upsert は衝突時に既存行を維持する。ignore-duplicatesでは衝突行が返らないため再取得する。
func (r *RESTProfileRepo) Upsert(ctx context.Context, profile *model.Profile, conflictKey string) (*model.Profile, error) {
	if conflictKey != repository.ConflictKeyID {
		return nil, fmt.Errorf("%w: %q", repository.ErrUnsupportedConflictKey, conflictKey)
	}
	if err := validateID(profile.ID); err != nil {
		return nil, err
	}
	var rows []profileRow
	err := r.client.do(ctx, request{
		op:     "profile_upsert",
		method: http.MethodPost,
		path:   profilesPath,
		query:  url.Values{"on_conflict": {conflictKey}},
		header: http.Header{"Prefer": {"resolution=ignore-duplicates,return=representation"}},
		body:   []insertRow{newInsertRow(profile)},
		out:    &rows,
	})
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		return rows[0].profile(), nil
	}

	existing, err := r.FindByID(ctx, profile.ID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("profile_upsert: conflicting row for %s disappeared", profile.ID)
	}
	return existing, nil
}

// List は作成日時の新しい順にプロフィールを返す。
func (r *RESTProfileRepo) List(ctx context.Context, opts repository.ListOptions) ([]*model.Profile, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := max(opts.Offset, 0)

	q := url.Values{
		"select": {"*"},
		"order":  {"created_at.desc,id.asc"},
		"limit":  {strconv.Itoa(limit)},
		"offset": {strconv.Itoa(offset)},
	}
	if opts.Role != "" {
		q.Set("role", "eq."+string(opts.Role))
	}

	var rows []profileRow
	if err := r.client.do(ctx, request{
		op:     "profile_list",
		method: http.MethodGet,
		path:   profilesPath,
		query:  q,
		out:    &rows,
	}); err != nil {
		return nil, err
	}

	profiles := make([]*model.Profile, 0, len(rows))
	for i := range rows {
		profiles = append(profiles, rows[i].profile())
	}
	return profiles, nil
}

func validateID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %q", repository.ErrInvalidID, id)
	}
	return nil
}

// compile-time interface check
var _ repository.ProfileRepository = (*RESTProfileRepo)(nil)
