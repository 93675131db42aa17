package cache

import (
	"strings"
	"time"
)

// 論理キャッシュキー。物理キーはプレフィックス + 論理キー（+ ":" + ユーザーID）で構成される。
const (
	KeyProfile              = "profile"
	KeyProjects             = "projects"
	KeyDashboard            = "dashboard"
	KeyNotificationCounts   = "notification_counts"
	KeyMessageCounts        = "message_counts"
	KeyCommentNotifications = "comment_notifications"
	KeyDomainExpiry         = "domain_expiry"
)

// DefaultPrefix はキャッシュエントリの物理キーに付与するデフォルトのプレフィックス。
const DefaultPrefix = "projecthub_cache_"

// Policy は論理キーごとの有効期間とスキーマバージョン。
// 保存済みエントリのバージョンが設定値と異なる場合、そのエントリは無効として扱われる。
type Policy struct {
	Duration time.Duration
	Version  string
}

// Config はキャッシュマネージャーの設定。
// Policiesに含まれない論理キーにはDefaultが適用される。
type Config struct {
	Prefix   string
	Default  Policy
	Policies map[string]Policy
}

// DefaultConfig はデフォルトのキャッシュ設定を返す。
func DefaultConfig() Config {
	return Config{
		Prefix:  DefaultPrefix,
		Default: Policy{Duration: 5 * time.Minute, Version: "1.0"},
		Policies: map[string]Policy{
			KeyProfile:              {Duration: 45 * time.Minute, Version: "1.0"},
			KeyProjects:             {Duration: 10 * time.Minute, Version: "1.0"},
			KeyDashboard:            {Duration: 5 * time.Minute, Version: "1.0"},
			KeyNotificationCounts:   {Duration: 2 * time.Minute, Version: "1.0"},
			KeyMessageCounts:        {Duration: 1 * time.Minute, Version: "1.0"},
			KeyCommentNotifications: {Duration: 3 * time.Minute, Version: "1.0"},
			KeyDomainExpiry:         {Duration: 5 * time.Minute, Version: "1.0"},
		},
	}
}

// WithPolicy はlogicalのポリシーを差し替えたConfigのコピーを返す。
func (c Config) WithPolicy(logical string, p Policy) Config {
	policies := make(map[string]Policy, len(c.Policies)+1)
	for k, v := range c.Policies {
		policies[k] = v
	}
	policies[logical] = p
	c.Policies = policies
	return c
}

// PolicyFor はキーの論理部分に対応するポリシーを返す。
func (c Config) PolicyFor(key string) Policy {
	if p, ok := c.Policies[LogicalKey(key)]; ok {
		return p
	}
	return c.Default
}

// LogicalKey はユーザースコープ付きキーから論理キー部分を取り出す。
// 例: "profile:user-1" → "profile"
func LogicalKey(key string) string {
	logical, _, _ := strings.Cut(key, ":")
	return logical
}

// UserKey はユーザーごとにスコープされたキーを生成する。
func UserKey(logical, userID string) string {
	if userID == "" {
		return logical
	}
	return logical + ":" + userID
}
