package presence

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Registry はセッションIDごとに1つのTrackerを保持する。
// mapにはStartに成功したTrackerのみを置く。
type Registry struct {
	deps Deps
	opts Options

	starts singleflight.Group

	mu       sync.Mutex
	trackers map[string]*Tracker
}

// NewRegistry はRegistryを生成する。
func NewRegistry(deps Deps, opts Options) *Registry {
	return &Registry{
		deps:     deps,
		opts:     opts,
		trackers: make(map[string]*Tracker),
	}
}

// Get はセッションのTrackerを返す。存在しない場合は生成してStartする。
// 同じセッションの同時呼び出しは1回のStartを共有する。
// Startに失敗した場合はTrackerを保持せずエラーを返す。
func (r *Registry) Get(ctx context.Context, sessionID string) (*Tracker, error) {
	if t, ok := r.active(sessionID); ok {
		return t, nil
	}

	v, err, _ := r.starts.Do(sessionID, func() (any, error) {
		if t, ok := r.active(sessionID); ok {
			return t, nil
		}
		t := NewTracker(r.deps, r.opts, sessionID)
		// 共有するStartは最初の呼び出し元のキャンセルに影響されない。
		if err := t.Start(context.WithoutCancel(ctx)); err != nil {
			t.Close()
			return nil, err
		}

		r.mu.Lock()
		old := r.trackers[sessionID]
		r.trackers[sessionID] = t
		r.mu.Unlock()
		if old != nil {
			old.Close()
		}
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Tracker), nil
}

// active はsigned_outでないTrackerを返す。セッション失効したTrackerは対象外。
func (r *Registry) active(sessionID string) (*Tracker, bool) {
	r.mu.Lock()
	t, ok := r.trackers[sessionID]
	r.mu.Unlock()
	if !ok || t.State() == StateSignedOut {
		return nil, false
	}
	return t, true
}

// Lookup は生成済みのTrackerを返す。
func (r *Registry) Lookup(sessionID string) (*Tracker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trackers[sessionID]
	return t, ok
}

// SignOut はセッションをサインアウトしてTrackerを破棄する。
// 実行中のStartがあれば完了を待ち、そのTrackerをサインアウトする。
// Trackerはサインアウト完了までmapに残すため、その間のGetは新しいTrackerを開始しない。
func (r *Registry) SignOut(ctx context.Context, sessionID string) (string, error) {
	t, err := r.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}

	userID := t.UserID()
	err = t.SignOut(ctx)

	r.mu.Lock()
	if r.trackers[sessionID] == t {
		delete(r.trackers, sessionID)
	}
	r.mu.Unlock()
	return userID, err
}

// Remove はTrackerを破棄する。バックエンドの状態は変更しない。
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	t, ok := r.trackers[sessionID]
	delete(r.trackers, sessionID)
	r.mu.Unlock()

	if ok {
		t.Close()
	}
}

// Len は保持しているTrackerの数を返す。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.trackers)
}

// Close は全てのTrackerのハートビートを停止する。
func (r *Registry) Close() {
	r.mu.Lock()
	trackers := r.trackers
	r.trackers = make(map[string]*Tracker)
	r.mu.Unlock()

	for _, t := range trackers {
		t.Close()
	}
}
