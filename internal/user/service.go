// Package user はログイン中の閲覧者とプロフィールの参照を提供する。
package user

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/coffeeshop/internal/localcache"
	"github.com/hitoshi/coffeeshop/internal/model"
	"github.com/hitoshi/coffeeshop/internal/repository"
)

// ProfileEnsurer はセッションに対応するプロフィール行を保証する。profile.Reconcilerが実装する。
type ProfileEnsurer interface {
	EnsureProfile(ctx context.Context, s *model.Session, pending *model.PendingSignup) (*model.Profile, error)
}

// Service はプロフィール参照のサービス層。
type Service struct {
	repo     repository.ProfileRepository
	profiles ProfileEnsurer
	logger   *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
// profilesがnilの場合、行のないセッションは再整合せずに顧客として扱う。
func NewService(repo repository.ProfileRepository, profiles ProfileEnsurer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, profiles: profiles, logger: logger}
}

// Resolve はセッションの閲覧者情報を返す。セッションがnilの場合はnilを返す。
// 認可には常にリポジトリの値を使い、remember-meのキャッシュは更新するだけで参照しない。
// 行がない場合はその場で再整合を試みる。取得や再整合に失敗した場合は顧客として扱う。
func (s *Service) Resolve(ctx context.Context, sess *model.Session, cache *localcache.UserCache) *model.UserData {
	if sess == nil || sess.UserID == "" {
		if cache != nil {
			cache.Invalidate()
		}
		return nil
	}

	p, err := s.repo.FindByID(ctx, sess.UserID)
	if err != nil {
		s.logger.WarnContext(ctx, "profile lookup failed, treating viewer as customer",
			slog.String("user_id", sess.UserID),
			slog.String("error", err.Error()),
		)
		return leastPrivilege(sess)
	}
	if p == nil {
		p = s.reconcile(ctx, sess)
		if p == nil {
			return leastPrivilege(sess)
		}
	}

	if cache != nil {
		cache.SaveIfRemember(p)
	}
	return p.UserData()
}

// reconcile は行のないセッションのプロフィールを作成する。
// 前回の保存に失敗したセッションは、次のセッション確認のたびにここで再試行される。
func (s *Service) reconcile(ctx context.Context, sess *model.Session) *model.Profile {
	if s.profiles == nil {
		return nil
	}
	p, err := s.profiles.EnsureProfile(ctx, sess, nil)
	if err != nil {
		s.logger.WarnContext(ctx, "profile reconciliation failed, treating viewer as customer",
			slog.String("user_id", sess.UserID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return p
}

// Profile は指定IDのプロフィールを返す。存在しない場合はProfileNotFoundエラーを返す。
func (s *Service) Profile(ctx context.Context, id string) (*model.Profile, error) {
	p, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch profile: %w", err)
	}
	if p == nil {
		return nil, model.NewProfileNotFoundError()
	}
	return p, nil
}

// ListProfiles はダッシュボード向けにプロフィール一覧を返す。
func (s *Service) ListProfiles(ctx context.Context, opts repository.ListOptions) ([]*model.Profile, error) {
	if opts.Role != "" && !opts.Role.Valid() {
		return nil, model.NewValidationError(map[string]string{"role": "Unknown role."})
	}
	profiles, err := s.repo.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	return profiles, nil
}

func leastPrivilege(sess *model.Session) *model.UserData {
	return &model.UserData{
		ID:     sess.UserID,
		Email:  sess.Email,
		Role:   model.RoleCustomer,
		Status: model.StatusActive,
	}
}
