// Package model はドメインモデルを定義する。
package model

import "time"

// NotificationType は通知の種別を表す。
type NotificationType string

const (
	// NotificationTypeComment はプロジェクトへの新着コメント通知。
	NotificationTypeComment NotificationType = "comment"
	// NotificationTypeDomainExpiry はドメイン有効期限の接近通知。
	NotificationTypeDomainExpiry NotificationType = "domain_expiry"
	// NotificationTypeProjectChange はプロジェクトの変更通知。
	NotificationTypeProjectChange NotificationType = "project_change"
)

// Notification はnotificationsテーブルの通知を表す。
// domain_expiry通知の残り日数はDaysRemainingに構造化して保持する。
// サーバー側のイベント（コメント投稿、ドメイン期限接近）で生成され、
// クライアントからはis_readの更新のみを行う。
type Notification struct {
	ID            string           `json:"id"`
	UserID        string           `json:"user_id"`
	Type          NotificationType `json:"type"`
	Title         string           `json:"title"`
	Content       string           `json:"content"`
	Link          *string          `json:"link,omitempty"`
	IsRead        bool             `json:"is_read"`
	CreatedAt     time.Time        `json:"created_at"`
	ProjectID     *string          `json:"project_id,omitempty"`
	CommentID     *string          `json:"comment_id,omitempty"`
	DomainID      *string          `json:"domain_id,omitempty"`
	DaysRemaining *int             `json:"days_remaining,omitempty"`
}

// ExpiringDomain は期限が近いドメインと残り日数の組。
type ExpiringDomain struct {
	DomainID      string    `json:"domain_id"`
	Name          string    `json:"name"`
	ExpiryDate    time.Time `json:"expiry_date"`
	DaysRemaining int       `json:"days_remaining"`
}
