// Package repository はデータ永続化のインターフェースとPostgreSQL実装を定義する。
// PostgreSQL実装が返すエラーはClassifyによりmodel.BackendErrorへ分類済みである。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/projecthub/internal/model"
)

// ProfileRepository はプロフィールの永続化インターフェース。
type ProfileRepository interface {
	// FindByID は指定IDのプロフィールを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Profile, error)

	// SetOnline はオンライン状態とlast_seenを更新する。
	SetOnline(ctx context.Context, id string, online bool, lastSeen time.Time) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
}

// ProjectRepository はプロジェクトの永続化インターフェース。
type ProjectRepository interface {
	// FindByID は指定IDのプロジェクトを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Project, error)

	// ListByOwner はユーザーが所有するプロジェクトを更新日時の降順で返す。
	ListByOwner(ctx context.Context, ownerID string) ([]*model.Project, error)

	// CountByOwner はユーザーのプロジェクト総数と進行中の数を返す。
	CountByOwner(ctx context.Context, ownerID string) (total int, active int, err error)
}

// DomainRepository は監視ドメインの永続化インターフェース。
type DomainRepository interface {
	// ListExpiringByUser はuntilまでに期限を迎えるユーザーのドメインを期限の昇順で返す。
	// 期限切れのドメインも含む。
	ListExpiringByUser(ctx context.Context, userID string, until time.Time) ([]*model.Domain, error)

	// ListExpiringAll はuntilまでに期限を迎える全ユーザーのドメインを返す。
	ListExpiringAll(ctx context.Context, until time.Time) ([]*model.Domain, error)

	// CountByUser はユーザーのドメイン数を返す。
	CountByUser(ctx context.Context, userID string) (int, error)
}

// CommentRepository はコメントの永続化インターフェース。
type CommentRepository interface {
	// Create はコメントを作成する。ID・CreatedAtはDBで採番される。
	Create(ctx context.Context, comment *model.Comment) error
}

// MessageRepository はダイレクトメッセージの永続化インターフェース。
type MessageRepository interface {
	// CountUnread はユーザー宛ての未読メッセージ数を返す。
	CountUnread(ctx context.Context, userID string) (int, error)
}

// NotificationRepository は通知の永続化インターフェース。
type NotificationRepository interface {
	// CountUnread はユーザーの未読通知数を返す。
	CountUnread(ctx context.Context, userID string) (int, error)

	// ListUnreadByType は指定種別の未読通知を作成日時の降順でlimit件返す。
	ListUnreadByType(ctx context.Context, userID string, typ model.NotificationType, limit int) ([]*model.Notification, error)

	// MarkRead は通知を既読にする。対象が存在しない場合はfalseを返す。
	MarkRead(ctx context.Context, userID, id string) (bool, error)

	// MarkAllReadByType は指定種別の未読通知を全て既読にし、更新件数を返す。
	MarkAllReadByType(ctx context.Context, userID string, typ model.NotificationType) (int64, error)

	// Create は通知を作成する。
	Create(ctx context.Context, n *model.Notification) error

	// CreateDomainExpiry はドメイン期限通知を作成する。
	// 同一ドメイン・同一残り日数の通知が既に存在する場合は作成せずfalseを返す。
	CreateDomainExpiry(ctx context.Context, n *model.Notification) (bool, error)
}
