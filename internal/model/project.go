// Package model はドメインモデルを定義する。
package model

import "time"

// ProjectStatus はプロジェクトの進行状態を表す。
type ProjectStatus string

const (
	// ProjectStatusActive は進行中のプロジェクト。
	ProjectStatusActive ProjectStatus = "active"
	// ProjectStatusCompleted は完了したプロジェクト。
	ProjectStatusCompleted ProjectStatus = "completed"
	// ProjectStatusArchived はアーカイブ済みのプロジェクト。
	ProjectStatusArchived ProjectStatus = "archived"
)

// Project はグループで管理するプロジェクトを表す。
type Project struct {
	ID          string        `json:"id"`
	OwnerID     string        `json:"owner_id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Status      ProjectStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Comment はプロジェクトに投稿されたコメントを表す。
type Comment struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"` // サニタイズ済み
	CreatedAt time.Time `json:"created_at"`
}

// Message はユーザー間のダイレクトメッセージを表す。
type Message struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"sender_id"`
	RecipientID string    `json:"recipient_id"`
	Body        string    `json:"body"`
	IsRead      bool      `json:"is_read"`
	CreatedAt   time.Time `json:"created_at"`
}

// Dashboard はダッシュボード表示用の集計値。
type Dashboard struct {
	ProjectCount        int `json:"project_count"`
	ActiveProjectCount  int `json:"active_project_count"`
	DomainCount         int `json:"domain_count"`
	ExpiringDomainCount int `json:"expiring_domain_count"`
	UnreadNotifications int `json:"unread_notifications"`
	UnreadMessages      int `json:"unread_messages"`
}
