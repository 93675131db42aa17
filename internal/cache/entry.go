package cache

import (
	"encoding/json"
	"time"
)

// Entry はストアに保存されるJSONエンベロープ。
// 時刻はエポックミリ秒で保持する。
type Entry struct {
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	Version   string          `json:"version"`
	ExpiresAt int64           `json:"expiresAt"`
}

// validAt はnow時点で期限内かつバージョンが一致する場合にtrueを返す。
func (e *Entry) validAt(now time.Time, version string) bool {
	return now.UnixMilli() < e.ExpiresAt && e.Version == version
}

// age はnow時点でのエントリの経過時間を返す。
func (e *Entry) age(now time.Time) time.Duration {
	return time.Duration(now.UnixMilli()-e.Timestamp) * time.Millisecond
}
