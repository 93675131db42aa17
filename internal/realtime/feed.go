// Package realtime はバックエンドのテーブル変更を購読者へ配信するチェンジフィードを提供する。
package realtime

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Operation は行レベルの変更種別。
type Operation string

const (
	OperationInsert Operation = "INSERT"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

// ChangeEvent はテーブルの1行に対する変更を表す。
type ChangeEvent struct {
	Table     string    `json:"table"`
	Operation Operation `json:"operation"`
	UserID    string    `json:"user_id"`
	RecordID  string    `json:"record_id"`
}

// Filter は購読対象のテーブルとユーザーを指定する。
// 空のフィールドは全件にマッチする。
type Filter struct {
	Table  string
	UserID string
}

// Matches はイベントがフィルタ条件を満たすかを返す。
func (f Filter) Matches(ev ChangeEvent) bool {
	if f.Table != "" && f.Table != ev.Table {
		return false
	}
	if f.UserID != "" && f.UserID != ev.UserID {
		return false
	}
	return true
}

// Handler はチェンジイベントの受信関数。
type Handler func(ChangeEvent)

// Feed はチェンジフィードの購読インターフェース。
type Feed interface {
	// Subscribe はfilterにマッチするイベントの購読を登録し、購読解除関数を返す。
	Subscribe(filter Filter, h Handler) (func(), error)
}

// ParsePayload はトリガーが送信するJSONペイロードをChangeEventに変換する。
func ParsePayload(payload string) (ChangeEvent, error) {
	var ev ChangeEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return ChangeEvent{}, fmt.Errorf("チェンジイベントのデコードに失敗: %w", err)
	}
	if ev.Table == "" {
		return ChangeEvent{}, fmt.Errorf("チェンジイベントにテーブル名がありません")
	}
	switch ev.Operation {
	case OperationInsert, OperationUpdate, OperationDelete:
	default:
		return ChangeEvent{}, fmt.Errorf("不明な変更種別です: %q", ev.Operation)
	}
	return ev, nil
}

type subscription struct {
	filter  Filter
	handler Handler
}

// Hub はプロセス内のチェンジフィード実装。
// Publishされたイベントをフィルタにマッチする購読者へ同期的に配信する。
type Hub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]subscription
}

var _ Feed = (*Hub)(nil)

// NewHub は空のHubを生成する。
func NewHub() *Hub {
	return &Hub{subs: make(map[int]subscription)}
}

// Subscribe はfilterにマッチするイベントの購読を登録する。
func (h *Hub) Subscribe(filter Filter, handler Handler) (func(), error) {
	if handler == nil {
		return nil, fmt.Errorf("handler is nil")
	}
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = subscription{filter: filter, handler: handler}
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}, nil
}

// Publish はイベントを配信し、配信先の数を返す。
func (h *Hub) Publish(ev ChangeEvent) int {
	h.mu.RLock()
	targets := make([]Handler, 0, len(h.subs))
	for _, s := range h.subs {
		if s.filter.Matches(ev) {
			targets = append(targets, s.handler)
		}
	}
	h.mu.RUnlock()

	for _, handler := range targets {
		handler(ev)
	}
	return len(targets)
}

// Len は購読者数を返す。
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
