// Package model はドメインモデルを定義する。
package model

import "time"

// ProfileStatus はプロフィールの有効状態を表す。
type ProfileStatus string

const (
	// ProfileStatusActive は有効化済みのプロフィール。
	ProfileStatusActive ProfileStatus = "active"
	// ProfileStatusInactive は未有効化または停止中のプロフィール。
	ProfileStatusInactive ProfileStatus = "inactive"
)

// Profile はprofilesテーブルのユーザープロフィールを表す。
// is_online と last_seen はプレゼンス管理により更新される。
type Profile struct {
	ID          string        `json:"id"`
	Email       string        `json:"email"`
	DisplayName string        `json:"display_name"`
	Status      ProfileStatus `json:"status"`
	IsOnline    bool          `json:"is_online"`
	LastSeen    *time.Time    `json:"last_seen,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// IsActive はプロフィールが有効化済みかを返す。
func (p *Profile) IsActive() bool {
	return p != nil && p.Status == ProfileStatusActive
}

// Session はユーザーのログインセッションを表す。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// PresenceStatus はローカルに永続化されるオンライン状態のスナップショット。
// profilesテーブルのis_online/last_seenとミラーされる。
type PresenceStatus struct {
	UserID    string    `json:"userId"`
	IsOnline  bool      `json:"isOnline"`
	LastSeen  time.Time `json:"lastSeen"`
	SessionID string    `json:"sessionId"`
}
