// Package project はプロジェクト一覧・ダッシュボード集計・コメント投稿のビジネスロジックを提供する。
package project

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/projecthub/internal/cache"
	"github.com/hitoshi/projecthub/internal/events"
	"github.com/hitoshi/projecthub/internal/model"
	"github.com/hitoshi/projecthub/internal/repository"
	"github.com/hitoshi/projecthub/internal/security"
)

// MaxCommentLength はコメント本文の最大文字数（サニタイズ前、rune単位）。
const MaxCommentLength = 2000

// notificationExcerptLength は通知本文に含めるコメント抜粋の最大文字数。
const notificationExcerptLength = 80

// Deps はServiceの依存。
type Deps struct {
	Projects      repository.ProjectRepository
	Comments      repository.CommentRepository
	Domains       repository.DomainRepository
	Notifications repository.NotificationRepository
	Messages      repository.MessageRepository
	Cache         *cache.Manager
	Bus           *events.Bus
	Comment       security.Sanitizer
	PlainText     security.Sanitizer
	Logger        *slog.Logger
	Now           func() time.Time
}

// Service はプロジェクト関連の操作を提供する。
type Service struct {
	deps         Deps
	expiryWindow time.Duration
}

// NewService はServiceを生成する。expiryWindowはダッシュボードの期限間近ドメイン数の集計範囲。
func NewService(deps Deps, expiryWindow time.Duration) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Comment == nil {
		deps.Comment = security.NewCommentSanitizer()
	}
	if deps.PlainText == nil {
		deps.PlainText = security.NewPlainTextSanitizer()
	}
	return &Service{deps: deps, expiryWindow: expiryWindow}
}

// ListProjects はユーザーのプロジェクト一覧をキャッシュ優先で返す。
func (s *Service) ListProjects(ctx context.Context, userID string) ([]*model.Project, error) {
	key := cache.UserKey(cache.KeyProjects, userID)

	var cached []*model.Project
	if s.deps.Cache.Get(ctx, key, &cached) {
		return cached, nil
	}

	projects, err := s.deps.Projects.ListByOwner(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("プロジェクト一覧の取得に失敗: %w", err)
	}
	if projects == nil {
		projects = []*model.Project{}
	}
	s.deps.Cache.Set(ctx, key, projects)
	return projects, nil
}

// Dashboard はダッシュボードの集計値を返す。
// キャッシュが無い場合はPreWarmで集計して書き込む。同一ユーザーの同時要求では集計は1回だけ実行される。
func (s *Service) Dashboard(ctx context.Context, userID string) (*model.Dashboard, error) {
	key := cache.UserKey(cache.KeyDashboard, userID)

	var d model.Dashboard
	if s.deps.Cache.Get(ctx, key, &d) {
		return &d, nil
	}

	var computed *model.Dashboard
	err := s.deps.Cache.PreWarm(ctx, key, func(ctx context.Context) (any, error) {
		v, err := s.computeDashboard(ctx, userID)
		computed = v
		return v, err
	})
	if err != nil {
		return nil, fmt.Errorf("ダッシュボードの集計に失敗: %w", err)
	}
	if s.deps.Cache.Get(ctx, key, &d) {
		return &d, nil
	}
	if computed != nil {
		return computed, nil
	}
	// キャッシュへの書き込みに失敗し、かつ集計が他の呼び出しで行われた場合
	return s.computeDashboard(ctx, userID)
}

func (s *Service) computeDashboard(ctx context.Context, userID string) (*model.Dashboard, error) {
	d := &model.Dashboard{}
	until := s.deps.Now().Add(s.expiryWindow)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		total, active, err := s.deps.Projects.CountByOwner(ctx, userID)
		d.ProjectCount, d.ActiveProjectCount = total, active
		return err
	})
	g.Go(func() error {
		n, err := s.deps.Domains.CountByUser(ctx, userID)
		d.DomainCount = n
		return err
	})
	g.Go(func() error {
		expiring, err := s.deps.Domains.ListExpiringByUser(ctx, userID, until)
		d.ExpiringDomainCount = len(expiring)
		return err
	})
	g.Go(func() error {
		n, err := s.deps.Notifications.CountUnread(ctx, userID)
		d.UnreadNotifications = n
		return err
	})
	g.Go(func() error {
		n, err := s.deps.Messages.CountUnread(ctx, userID)
		d.UnreadMessages = n
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return d, nil
}

// AddComment はプロジェクトにコメントを投稿する。
// 本文はサニタイズして保存し、投稿者がオーナー以外の場合はオーナーへcomment通知を作成する。
func (s *Service) AddComment(ctx context.Context, userID, projectID, content string) (*model.Comment, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil, model.NewCommentEmptyError()
	}
	if utf8.RuneCountInString(trimmed) > MaxCommentLength {
		return nil, model.NewCommentTooLongError(MaxCommentLength)
	}
	sanitized := strings.TrimSpace(s.deps.Comment.Sanitize(trimmed))
	if sanitized == "" {
		return nil, model.NewCommentEmptyError()
	}

	project, err := s.deps.Projects.FindByID(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("プロジェクトの取得に失敗: %w", err)
	}
	if project == nil {
		return nil, model.NewProjectNotFoundError(projectID)
	}

	comment := &model.Comment{
		ProjectID: projectID,
		UserID:    userID,
		Content:   sanitized,
	}
	if err := s.deps.Comments.Create(ctx, comment); err != nil {
		if model.KindOf(err) == model.ErrorKindPermissionDenied {
			return nil, model.NewPermissionDeniedError()
		}
		return nil, fmt.Errorf("コメントの作成に失敗: %w", err)
	}
	s.deps.Cache.InvalidateUserDataChange(ctx, project.OwnerID, "comments", "INSERT")

	if project.OwnerID != userID {
		s.notifyOwner(ctx, project, comment)
	}

	s.deps.Logger.Info("コメントを投稿しました",
		slog.String("user_id", userID),
		slog.String("project_id", projectID),
		slog.String("comment_id", comment.ID),
	)
	return comment, nil
}

// notifyOwner はプロジェクトオーナーへのcomment通知を作成する。
// 通知の作成に失敗してもコメント投稿自体は成功として扱う。
func (s *Service) notifyOwner(ctx context.Context, project *model.Project, comment *model.Comment) {
	link := "/projects/" + project.ID
	n := &model.Notification{
		UserID:    project.OwnerID,
		Type:      model.NotificationTypeComment,
		Title:     fmt.Sprintf("「%s」に新しいコメントがあります", s.deps.PlainText.Sanitize(project.Name)),
		Content:   excerpt(s.deps.PlainText.Sanitize(comment.Content), notificationExcerptLength),
		Link:      &link,
		ProjectID: &project.ID,
		CommentID: &comment.ID,
	}
	if err := s.deps.Notifications.Create(ctx, n); err != nil {
		s.deps.Logger.Warn("コメント通知の作成に失敗しました",
			slog.String("project_id", project.ID),
			slog.String("owner_id", project.OwnerID),
			slog.String("error", err.Error()),
		)
		return
	}
	s.deps.Cache.InvalidateUserDataChange(ctx, project.OwnerID, "notifications", "INSERT")

	if s.deps.Bus != nil {
		s.deps.Bus.Publish(events.Event{
			Topic:   events.TopicGlobalNotification,
			UserID:  project.OwnerID,
			Payload: n.Title,
		})
	}
}

// excerpt はsをrune単位でlimit文字に切り詰める。
func excerpt(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit]) + "…"
}
