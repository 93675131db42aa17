// Package events はプロセス内のコンポーネント間シグナリングを型付きの購読レジストリで提供する。
// キャッシュ層と通知センターを直接参照させずに連携させるために使用する。
package events

import "sync"

// Topic はイベントの種類を表す。
type Topic string

const (
	// TopicDomainDataChanged はドメイン関連データの変更を表す。
	TopicDomainDataChanged Topic = "domain_data_changed"
	// TopicSaveStart は保存処理の開始を表す。
	TopicSaveStart Topic = "save_start"
	// TopicSaveEnd は保存処理の終了を表す。
	TopicSaveEnd Topic = "save_end"
	// TopicGlobalNotification はUI全体に表示するお知らせを表す。
	TopicGlobalNotification Topic = "global_notification"
)

// Event はバスで配信されるイベント。
// UserIDが空の場合は全ユーザー向けのイベントとして扱う。
type Event struct {
	Topic   Topic
	UserID  string
	Payload any
}

// Handler はイベントの受信関数。
type Handler func(Event)

// Bus はトピックごとの購読者を管理し、イベントを同期的に配信する。
// 並行利用に対して安全。
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[Topic]map[int]Handler
}

// NewBus は空のBusを生成する。
func NewBus() *Bus {
	return &Bus{subs: make(map[Topic]map[int]Handler)}
}

// Subscribe はtopicの購読を登録し、購読解除関数を返す。
// 購読解除関数は複数回呼び出しても安全。
func (b *Bus) Subscribe(topic Topic, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]Handler)
	}
	b.subs[topic][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[topic], id)
		})
	}
}

// Publish はイベントを購読者のスナップショットへ同期的に配信する。
// ハンドラ内からSubscribe/Publishを呼び出してもデッドロックしない。
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[ev.Topic]))
	for _, h := range b.subs[ev.Topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

// SubscriberCount はtopicの購読者数を返す。
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
