// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"

	"github.com/hitoshi/coffeeshop/internal/model"
)

var (
	// ErrInvalidID はIDがUUID形式でない場合に返される。
	ErrInvalidID = errors.New("invalid profile id")
	// ErrDuplicateProfile はInsertで同一IDの行が既に存在する場合に返される。
	ErrDuplicateProfile = errors.New("profile already exists")
	// ErrUnsupportedConflictKey はUpsertの衝突キーが許可されていない場合に返される。
	ErrUnsupportedConflictKey = errors.New("unsupported conflict key")
)

// ConflictKeyID はUpsertで使用できる唯一の衝突キー。
const ConflictKeyID = "id"

// ListOptions はプロフィール一覧の取得条件。
type ListOptions struct {
	Role   model.Role // 空の場合は全ロール
	Limit  int
	Offset int
}

// ProfileRepository はプロフィールの永続化インターフェース。
// 同時作成の安全性はUpsertの衝突時無視のセマンティクスにのみ依存する。
type ProfileRepository interface {
	// FindByID は指定IDのプロフィールを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Profile, error)

	// Insert はプロフィールを作成し、保存された行を返す。
	// 同一IDが存在する場合はErrDuplicateProfileを返す。
	Insert(ctx context.Context, profile *model.Profile) (*model.Profile, error)

	// Upsert はconflictKeyで衝突した場合は何もせず、保存済みの行を返す。
	// 既存の行は上書きしない。
	Upsert(ctx context.Context, profile *model.Profile, conflictKey string) (*model.Profile, error)

	// List は作成日時の新しい順にプロフィールを返す。
	List(ctx context.Context, opts ListOptions) ([]*model.Profile, error)
}
