// Package profile はログインセッションに対応するプロフィール行の存在を保証する。
package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/coffeeshop/internal/errreport"
	"github.com/hitoshi/coffeeshop/internal/metrics"
	"github.com/hitoshi/coffeeshop/internal/model"
	"github.com/hitoshi/coffeeshop/internal/repository"
	"github.com/hitoshi/coffeeshop/internal/security"
)

// ErrInvalidSession はセッションにユーザーIDが含まれない場合に返される。
var ErrInvalidSession = errors.New("invalid session: no user id")

// DefaultFirstName は名前を解決できなかった場合の名。
const DefaultFirstName = "User"

// Reconciler はセッションとプロフィール行の整合を取る。
// 同時実行の排他はリポジトリのid衝突時無視に任せ、ここではロックしない。
type Reconciler struct {
	repo      repository.ProfileRepository
	sanitizer security.FieldSanitizerService
	reporter  errreport.Reporter
	metrics   metrics.MetricsCollector
	now       func() time.Time
}

// NewReconciler はReconcilerを生成する。reporter, mcがnilの場合はログ出力のみ・計測なしで動作する。
func NewReconciler(
	repo repository.ProfileRepository,
	sanitizer security.FieldSanitizerService,
	reporter errreport.Reporter,
	mc metrics.MetricsCollector,
) *Reconciler {
	if sanitizer == nil {
		sanitizer = security.NewFieldSanitizer()
	}
	if reporter == nil {
		reporter = errreport.NewLogReporter(slog.Default())
	}
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Reconciler{
		repo:      repo,
		sanitizer: sanitizer,
		reporter:  reporter,
		metrics:   mc,
		now:       time.Now,
	}
}

// EnsureProfile はセッションのユーザーに対応するプロフィールを返す。
// 既存の行があればそのまま返し、pendingやプロバイダー情報で上書きしない。
// 存在しない場合は新規に作成する。保存に失敗した場合はエラーを報告したうえで
// メモリ上で組み立てたプロフィールを返し、呼び出し元の処理は継続させる。
func (r *Reconciler) EnsureProfile(ctx context.Context, s *model.Session, pending *model.PendingSignup) (*model.Profile, error) {
	if s == nil || strings.TrimSpace(s.UserID) == "" {
		return nil, ErrInvalidSession
	}

	existing, err := r.repo.FindByID(ctx, s.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch profile: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	p := r.synthesize(s, pending)

	stored, err := r.repo.Upsert(ctx, p, repository.ConflictKeyID)
	if err != nil || stored == nil {
		if err == nil {
			err = errors.New("upsert returned no row")
		}
		r.metrics.RecordProfilePersistFailure()
		r.reporter.Report(ctx, err, "failed to persist profile, continuing with unsaved profile",
			slog.String("user_id", s.UserID),
		)
		return p, nil
	}

	r.metrics.RecordProfileCreated()
	return stored, nil
}

// synthesize は新規プロフィールを組み立てる。
// 各項目は pending > プロバイダーのmetadata > 既定値 の優先順で決める。
func (r *Reconciler) synthesize(s *model.Session, pending *model.PendingSignup) *model.Profile {
	if pending == nil {
		pending = &model.PendingSignup{}
	}
	metaFirst, metaLast := metadataNames(s)

	first := firstNonEmpty(
		r.sanitizer.Sanitize(pending.FirstName),
		r.sanitizer.Sanitize(metaFirst),
	)
	if first == "" {
		first = DefaultFirstName
	}
	last := firstNonEmpty(
		r.sanitizer.Sanitize(pending.LastName),
		r.sanitizer.Sanitize(metaLast),
	)

	now := r.now().UTC()
	return &model.Profile{
		ID:        s.UserID,
		Email:     strings.TrimSpace(s.Email),
		FirstName: first,
		LastName:  last,
		Phone:     r.contact(pending.Phone, s.MetadataString("phone")),
		Address:   r.contact(pending.Address, s.MetadataString("address")),
		City:      r.contact(pending.City, s.MetadataString("city")),
		Zipcode:   r.contact(pending.Zipcode, s.MetadataString("zipcode")),
		Role:      model.RoleCustomer,
		Status:    model.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (r *Reconciler) contact(pending, meta string) *string {
	if v := r.sanitizer.SanitizeOptional(&pending); v != nil {
		return v
	}
	return r.sanitizer.SanitizeOptional(&meta)
}

// metadataNames はmetadataから姓名を取り出す。
// firstname/lastnameを優先し、なければfull_name(またはname)を最初の空白で分割する。
func metadataNames(s *model.Session) (first, last string) {
	first = s.MetadataString("firstname")
	last = s.MetadataString("lastname")

	full := s.MetadataString("full_name")
	if full == "" {
		full = s.MetadataString("name")
	}
	if full == "" {
		return first, last
	}
	splitFirst, splitLast, _ := strings.Cut(full, " ")
	if first == "" {
		first = splitFirst
	}
	if last == "" {
		last = strings.TrimSpace(splitLast)
	}
	return first, last
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
