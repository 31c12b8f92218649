package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/coffeeshop/internal/model"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200

	profileColumns = `id, email, firstname, lastname, phone, address, city, zipcode, role, status, created_at, updated_at`

	// pqUniqueViolation はPostgreSQLの一意制約違反コード。
	pqUniqueViolation = "23505"
)

// PostgresProfileRepo はPostgreSQLを使用したプロフィールリポジトリ。
type PostgresProfileRepo struct {
	db *sql.DB
}

// NewPostgresProfileRepo はPostgresProfileRepoを生成する。
func NewPostgresProfileRepo(db *sql.DB) *PostgresProfileRepo {
	return &PostgresProfileRepo{db: db}
}

// FindByID は指定IDのプロフィールを取得する。見つからない場合はnilを返す。
func (r *PostgresProfileRepo) FindByID(ctx context.Context, id string) (*model.Profile, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	p, err := scanProfile(r.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM users WHERE id = $1`,
		id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find profile by ID: %w", err)
	}
	return p, nil
}

// Insert はプロフィールを作成する。
func (r *PostgresProfileRepo) Insert(ctx context.Context, profile *model.Profile) (*model.Profile, error) {
	if err := validateID(profile.ID); err != nil {
		return nil, err
	}

	p, err := scanProfile(r.db.QueryRowContext(ctx,
		`INSERT INTO users (id, email, firstname, lastname, phone, address, city, zipcode, role, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING `+profileColumns,
		insertArgs(profile)...,
	))
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateProfile, profile.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert profile: %w", err)
	}
	return p, nil
}

// Upsert はIDが衝突した場合は既存行を維持して返す。
// ON CONFLICT DO NOTHINGは衝突時に行を返さないため、その場合は再取得する。
func (r *PostgresProfileRepo) Upsert(ctx context.Context, profile *model.Profile, conflictKey string) (*model.Profile, error) {
	if conflictKey != ConflictKeyID {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedConflictKey, conflictKey)
	}
	if err := validateID(profile.ID); err != nil {
		return nil, err
	}

	p, err := scanProfile(r.db.QueryRowContext(ctx,
		`INSERT INTO users (id, email, firstname, lastname, phone, address, city, zipcode, role, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO NOTHING
		 RETURNING `+profileColumns,
		insertArgs(profile)...,
	))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to upsert profile: %w", err)
	}

	existing, err := r.FindByID(ctx, profile.ID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		// 衝突した行がこの間に削除された
		return nil, fmt.Errorf("failed to upsert profile: conflicting row for %s disappeared", profile.ID)
	}
	return existing, nil
}

// List は作成日時の新しい順にプロフィールを返す。
func (r *PostgresProfileRepo) List(ctx context.Context, opts ListOptions) ([]*model.Profile, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + profileColumns + ` FROM users`
	args := []any{}
	if opts.Role != "" {
		query += ` WHERE role = $1`
		args = append(args, string(opts.Role))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	defer rows.Close()

	var profiles []*model.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate profiles: %w", err)
	}
	return profiles, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (*model.Profile, error) {
	p := &model.Profile{}
	var phone, address, city, zipcode sql.NullString
	var role, status string
	err := row.Scan(&p.ID, &p.Email, &p.FirstName, &p.LastName,
		&phone, &address, &city, &zipcode,
		&role, &status, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Phone = fromNullString(phone)
	p.Address = fromNullString(address)
	p.City = fromNullString(city)
	p.Zipcode = fromNullString(zipcode)
	p.Role = model.Role(role)
	p.Status = model.Status(status)
	return p, nil
}

func insertArgs(p *model.Profile) []any {
	role := p.Role
	if role == "" {
		role = model.RoleCustomer
	}
	status := p.Status
	if status == "" {
		status = model.StatusActive
	}
	return []any{
		p.ID, p.Email, p.FirstName, p.LastName,
		toNullString(p.Phone), toNullString(p.Address), toNullString(p.City), toNullString(p.Zipcode),
		string(role), string(status),
	}
}

func validateID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

func toNullString(s *string) sql.NullString {
	if s == nil || strings.TrimSpace(*s) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}

// compile-time interface check
var _ ProfileRepository = (*PostgresProfileRepo)(nil)
