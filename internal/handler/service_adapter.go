package handler

import (
	"context"
	"fmt"

	"github.com/hitoshi/projecthub/internal/model"
	"github.com/hitoshi/projecthub/internal/notification"
	"github.com/hitoshi/projecthub/internal/presence"
)

// NotificationServiceAdapter は notification.Registry を NotificationServiceInterface に適合させるアダプタ。
type NotificationServiceAdapter struct {
	centers *notification.Registry
}

// NewNotificationServiceAdapter はNotificationServiceAdapterを生成する。
func NewNotificationServiceAdapter(centers *notification.Registry) *NotificationServiceAdapter {
	return &NotificationServiceAdapter{centers: centers}
}

// Snapshot はユーザーの通知センターの状態を返す。
func (a *NotificationServiceAdapter) Snapshot(ctx context.Context, userID string) (*notification.Snapshot, error) {
	c, err := a.centers.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	s := c.Snapshot()
	return &s, nil
}

// Subscribe はユーザーの通知センターにリスナーを登録する。
func (a *NotificationServiceAdapter) Subscribe(ctx context.Context, userID string, listener func(notification.Update)) (func(), error) {
	c, err := a.centers.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	return c.Subscribe(listener), nil
}

// MarkCommentAsRead はコメント通知を既読にする。
func (a *NotificationServiceAdapter) MarkCommentAsRead(ctx context.Context, userID, notificationID string) error {
	c, err := a.centers.Get(ctx, userID)
	if err != nil {
		return err
	}
	return c.MarkCommentAsRead(ctx, notificationID)
}

// ClearAllComments は全てのコメント通知を既読にする。
func (a *NotificationServiceAdapter) ClearAllComments(ctx context.Context, userID string) error {
	c, err := a.centers.Get(ctx, userID)
	if err != nil {
		return err
	}
	return c.ClearAllComments(ctx)
}

// Refresh は指定スライスを再読み込みする。slicesが空の場合は全て再読み込みする。
func (a *NotificationServiceAdapter) Refresh(ctx context.Context, userID string, slices []string) (*notification.Snapshot, error) {
	c, err := a.centers.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(slices) == 0 {
		slices = []string{notification.SliceNotifications, notification.SliceMessages, notification.SliceDomains}
	}

	for _, slice := range slices {
		switch slice {
		case notification.SliceNotifications, notification.SliceComments:
			c.RefreshNotifications(ctx)
		case notification.SliceMessages:
			c.RefreshMessages(ctx)
		case notification.SliceDomains:
			c.RefreshDomains(ctx)
		default:
			return nil, model.NewInvalidRequestError(fmt.Sprintf("不明なスライス %q", slice))
		}
	}
	s := c.Snapshot()
	return &s, nil
}

// PresenceServiceAdapter は presence.Registry を PresenceServiceInterface に適合させるアダプタ。
// サインアウト時はユーザーの通知センターも破棄する。
type PresenceServiceAdapter struct {
	trackers *presence.Registry
	centers  *notification.Registry
}

// NewPresenceServiceAdapter はPresenceServiceAdapterを生成する。
func NewPresenceServiceAdapter(trackers *presence.Registry, centers *notification.Registry) *PresenceServiceAdapter {
	return &PresenceServiceAdapter{trackers: trackers, centers: centers}
}

// Current はセッションのプロフィールとプレゼンス状態を返す。
func (a *PresenceServiceAdapter) Current(ctx context.Context, sessionID string) (*meResponse, error) {
	t, err := a.trackers.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	resp := &meResponse{
		Profile: t.Profile(),
		State:   string(t.State()),
	}
	if status, ok := t.Status(ctx); ok {
		resp.Status = &status
	}
	return resp, nil
}

// Heartbeat はオンライン状態を更新する。
func (a *PresenceServiceAdapter) Heartbeat(ctx context.Context, sessionID string) error {
	t, err := a.trackers.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	t.Heartbeat(ctx)
	return nil
}

// SetVisibility はページ表示状態の変化をTrackerへ伝える。
// セッションが失効していた場合はTrackerを破棄する。
func (a *PresenceServiceAdapter) SetVisibility(ctx context.Context, sessionID string, hidden bool) error {
	t, err := a.trackers.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := t.VisibilityChanged(ctx, hidden); err != nil {
		a.trackers.Remove(sessionID)
		return err
	}
	return nil
}

// Beacon は生成済みのTrackerに対してページ非表示を伝える。
// Trackerが無い場合はバックエンドへ問い合わせない。
func (a *PresenceServiceAdapter) Beacon(ctx context.Context, sessionID string) {
	t, ok := a.trackers.Lookup(sessionID)
	if !ok {
		return
	}
	_ = t.VisibilityChanged(ctx, true)
}

// SignOut はセッションをサインアウトし、ユーザーの通知センターを破棄する。
func (a *PresenceServiceAdapter) SignOut(ctx context.Context, sessionID string) error {
	userID, err := a.trackers.SignOut(ctx, sessionID)
	if userID != "" {
		a.centers.Remove(userID)
	}
	return err
}

var (
	_ NotificationServiceInterface = (*NotificationServiceAdapter)(nil)
	_ PresenceServiceInterface     = (*PresenceServiceAdapter)(nil)
)
