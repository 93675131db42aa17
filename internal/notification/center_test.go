package notification

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/projecthub/internal/cache"
	"github.com/hitoshi/projecthub/internal/events"
	"github.com/hitoshi/projecthub/internal/kvstore"
	"github.com/hitoshi/projecthub/internal/model"
	"github.com/hitoshi/projecthub/internal/realtime"
)

// --- モック ---

type mockNotificationRepo struct {
	mu          sync.Mutex
	delay       time.Duration // CountUnreadの応答遅延
	unread      int
	comments    []*model.Notification
	countCalls  int
	listCalls   int
	countErr    error
	markedRead  []string
	markAllRead int
}

func (m *mockNotificationRepo) CountUnread(_ context.Context, _ string) (int, error) {
	m.mu.Lock()
	delay := m.delay
	m.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.countCalls++
	if m.countErr != nil {
		return 0, m.countErr
	}
	return m.unread, nil
}

func (m *mockNotificationRepo) ListUnreadByType(_ context.Context, _ string, _ model.NotificationType, _ int) ([]*model.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	return append([]*model.Notification{}, m.comments...), nil
}

func (m *mockNotificationRepo) MarkRead(_ context.Context, _ string, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.comments {
		if n.ID == id {
			m.markedRead = append(m.markedRead, id)
			return true, nil
		}
	}
	return false, nil
}

func (m *mockNotificationRepo) MarkAllReadByType(_ context.Context, _ string, _ model.NotificationType) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markAllRead++
	return int64(len(m.comments)), nil
}

func (m *mockNotificationRepo) Create(context.Context, *model.Notification) error { return nil }

func (m *mockNotificationRepo) CreateDomainExpiry(context.Context, *model.Notification) (bool, error) {
	return true, nil
}

func (m *mockNotificationRepo) calls() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countCalls, m.listCalls
}

type mockMessageRepo struct {
	mu     sync.Mutex
	unread int
	calls  int
	err    error
}

func (m *mockMessageRepo) CountUnread(context.Context, string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return 0, m.err
	}
	return m.unread, nil
}

func (m *mockMessageRepo) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockMessageRepo) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

type mockDomainRepo struct {
	mu      sync.Mutex
	domains []*model.Domain
	calls   map[string]int // ユーザーごとのListExpiringByUser呼び出し回数
}

func (m *mockDomainRepo) ListExpiringByUser(_ context.Context, userID string, _ time.Time) ([]*model.Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[userID]++
	return m.domains, nil
}

func (m *mockDomainRepo) callsFor(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[userID]
}

func (m *mockDomainRepo) ListExpiringAll(context.Context, time.Time) ([]*model.Domain, error) {
	return m.domains, nil
}

func (m *mockDomainRepo) CountByUser(context.Context, string) (int, error) {
	return len(m.domains), nil
}

// --- ヘルパー ---

type fixture struct {
	center   *Center
	hub      *realtime.Hub
	bus      *events.Bus
	notifs   *mockNotificationRepo
	messages *mockMessageRepo
	domains  *mockDomainRepo
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	f := &fixture{
		hub:      realtime.NewHub(),
		bus:      events.NewBus(),
		notifs:   &mockNotificationRepo{unread: 2},
		messages: &mockMessageRepo{unread: 3},
		domains:  &mockDomainRepo{},
		now:      now,
	}
	mgr := cache.New(kvstore.NewMemoryStore(0), cache.DefaultConfig(),
		cache.WithBus(f.bus),
		cache.WithLogger(logger),
	)
	f.center = NewCenter(Deps{
		Notifications: f.notifs,
		Messages:      f.messages,
		Domains:       f.domains,
		Cache:         mgr,
		Feed:          f.hub,
		Bus:           f.bus,
		Logger:        logger,
		Now:           func() time.Time { return now },
	}, Options{
		Debounce:     30 * time.Millisecond,
		ExpiryWindow: 30 * 24 * time.Hour,
		CommentLimit: 10,
	})
	t.Cleanup(f.center.Close)
	return f
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// --- テスト ---

func TestCenter_SetUserLoadsAllSlices(t *testing.T) {
	f := newFixture(t)
	f.notifs.comments = []*model.Notification{{ID: "n1", Type: model.NotificationTypeComment}}

	if err := f.center.SetUser(context.Background(), "u1"); err != nil {
		t.Fatalf("SetUser() error = %v", err)
	}

	s := f.center.Snapshot()
	if s.UserID != "u1" || s.UnreadNotifications != 2 || s.UnreadMessages != 3 {
		t.Errorf("unexpected snapshot: %+v", s)
	}
	if len(s.CommentNotifications) != 1 {
		t.Errorf("expected 1 comment notification, got %d", len(s.CommentNotifications))
	}
	if s.Loading {
		t.Error("loading should be false after the initial load")
	}
	if f.hub.Len() != 3 {
		t.Errorf("expected 3 change-feed subscriptions, got %d", f.hub.Len())
	}
}

func TestCenter_EmptyUserResetsState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.center.SetUser(ctx, "u1"); err != nil {
		t.Fatalf("SetUser() error = %v", err)
	}

	if err := f.center.SetUser(ctx, ""); err != nil {
		t.Fatalf("SetUser(\"\") error = %v", err)
	}

	s := f.center.Snapshot()
	if s.UnreadNotifications != 0 || s.UnreadMessages != 0 || len(s.CommentNotifications) != 0 || len(s.ExpiringDomains) != 0 {
		t.Errorf("expected zero state, got %+v", s)
	}
	if f.hub.Len() != 0 {
		t.Errorf("subscriptions should be released, got %d", f.hub.Len())
	}
	if f.messages.callCount() != 1 {
		t.Errorf("empty user must not hit the backend, calls=%d", f.messages.callCount())
	}
}

func TestCenter_ReloadIsCacheFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.center.SetUser(ctx, "u1"); err != nil {
		t.Fatalf("SetUser() error = %v", err)
	}

	f.center.ReloadAll(ctx)

	if got := f.messages.callCount(); got != 1 {
		t.Errorf("second reload should be served from cache, backend calls=%d", got)
	}
}

func TestCenter_BurstOfChangesTriggersOneReload(t *testing.T) {
	f := newFixture(t)
	if err := f.center.SetUser(context.Background(), "u1"); err != nil {
		t.Fatalf("SetUser() error = %v", err)
	}
	before := f.messages.callCount()

	for i := 0; i < 3; i++ {
		f.hub.Publish(realtime.ChangeEvent{Table: "messages", Operation: realtime.OperationInsert, UserID: "u1"})
		time.Sleep(5 * time.Millisecond)
	}

	waitFor(t, func() bool { return f.messages.callCount() > before })
	time.Sleep(100 * time.Millisecond)

	if got := f.messages.callCount() - before; got != 1 {
		t.Errorf("expected exactly one reload for a burst, got %d", got)
	}
}

func TestCenter_ChangeDuringSaveIsDropped(t *testing.T) {
	f := newFixture(t)
	if err := f.center.SetUser(context.Background(), "u1"); err != nil {
		t.Fatalf("SetUser() error = %v", err)
	}
	before := f.messages.callCount()

	f.center.MarkSaveStart()
	f.hub.Publish(realtime.ChangeEvent{Table: "messages", Operation: realtime.OperationUpdate, UserID: "u1"})
	time.Sleep(100 * time.Millisecond)

	if got := f.messages.callCount(); got != before {
		t.Fatalf("no reload may happen while saving, calls went %d -> %d", before, got)
	}

	f.center.MarkSaveEnd()
	f.hub.Publish(realtime.ChangeEvent{Table: "messages", Operation: realtime.OperationUpdate, UserID: "u1"})
	waitFor(t, func() bool { return f.messages.callCount() == before+1 })
}

func TestCenter_SaveEventsFromBus(t *testing.T) {
	f := newFixture(t)
	if err := f.center.SetUser(context.Background(), "u1"); err != nil {
		t.Fatalf("SetUser() error = %v", err)
	}

	f.bus.Publish(events.Event{Topic: events.TopicSaveStart, UserID: "other"})
	if f.center.IsSaving() {
		t.Error("save start for another user must be ignored")
	}

	f.bus.Publish(events.Event{Topic: events.TopicSaveStart, UserID: "u1"})
	if !f.center.IsSaving() {
		t.Error("save start for the current user should set isSaving")
	}
	f.bus.Publish(events.Event{Topic: events.TopicSaveEnd, UserID: "u1"})
	if f.center.IsSaving() {
		t.Error("save end should clear isSaving")
	}
}

func TestCenter_BackendErrorResetsSlice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.center.SetUser(ctx, "u1"); err != nil {
		t.Fatalf("SetUser() error = %v", err)
	}
	if f.center.Snapshot().UnreadMessages != 3 {
		t.Fatal("precondition: unread messages should be loaded")
	}

	f.messages.setErr(&model.BackendError{Kind: model.ErrorKindTransient, Op: "messages.count_unread", Err: errors.New("timeout")})
	f.center.RefreshMessages(ctx)

	if got := f.center.Snapshot().UnreadMessages; got != 0 {
		t.Errorf("failed reload should reset the slice to zero, got %d", got)
	}
}

func TestCenter_ExpiringDomainsSortedByDaysRemaining(t *testing.T) {
	f := newFixture(t)
	f.domains.domains = []*model.Domain{
		{ID: "d1", Name: "late.example", ExpiryDate: f.now.Add(20 * 24 * time.Hour)},
		{ID: "d2", Name: "soon.example", ExpiryDate: f.now.Add(2 * 24 * time.Hour)},
		{ID: "d3", Name: "expired.example", ExpiryDate: f.now.Add(-24 * time.Hour)},
	}

	if err := f.center.SetUser(context.Background(), "u1"); err != nil {
		t.Fatalf("SetUser() error = %v", err)
	}

	got := f.center.Snapshot().ExpiringDomains
	if len(got) != 3 {
		t.Fatalf("expected 3 domains, got %d", len(got))
	}
	wantOrder := []string{"d3", "d2", "d1"}
	wantDays := []int{-1, 2, 20}
	for i := range got {
		if got[i].DomainID != wantOrder[i] || got[i].DaysRemaining != wantDays[i] {
			t.Errorf("position %d = (%s, %d), want (%s, %d)", i, got[i].DomainID, got[i].DaysRemaining, wantOrder[i], wantDays[i])
		}
	}
}

func TestCenter_MarkCommentAsRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.notifs.comments = []*model.Notification{
		{ID: "n1", Type: model.NotificationTypeComment},
		{ID: "n2", Type: model.NotificationTypeComment},
	}
	if err := f.center.SetUser(ctx, "u1"); err != nil {
		t.Fatalf("SetUser() error = %v", err)
	}

	if err := f.center.MarkCommentAsRead(ctx, "n1"); err != nil {
		t.Fatalf("MarkCommentAsRead() error = %v", err)
	}
	s := f.center.Snapshot()
	if len(s.CommentNotifications) != 1 || s.CommentNotifications[0].ID != "n2" {
		t.Errorf("n1 should be removed from the list, got %+v", s.CommentNotifications)
	}
	if s.UnreadNotifications != 1 {
		t.Errorf("unread count should be decremented, got %d", s.UnreadNotifications)
	}

	err := f.center.MarkCommentAsRead(ctx, "missing")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeNotificationNotFound {
		t.Errorf("expected NOTIFICATION_NOT_FOUND, got %v", err)
	}
}

func TestCenter_ClearAllComments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.notifs.comments = []*model.Notification{{ID: "n1"}, {ID: "n2"}}
	if err := f.center.SetUser(ctx, "u1"); err != nil {
		t.Fatalf("SetUser() error = %v", err)
	}

	if err := f.center.ClearAllComments(ctx); err != nil {
		t.Fatalf("ClearAllComments() error = %v", err)
	}
	s := f.center.Snapshot()
	if len(s.CommentNotifications) != 0 || s.UnreadNotifications != 0 {
		t.Errorf("expected cleared comments and zero unread, got %+v", s)
	}
}

func TestCenter_SubscribeReceivesUpdates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var mu sync.Mutex
	var updates []Update
	unsubscribe := f.center.Subscribe(func(u Update) {
		mu.Lock()
		defer mu.Unlock()
		updates = append(updates, u)
	})
	defer unsubscribe()

	if err := f.center.SetUser(ctx, "u1"); err != nil {
		t.Fatalf("SetUser() error = %v", err)
	}
	f.bus.Publish(events.Event{Topic: events.TopicGlobalNotification, UserID: "u1", Payload: "新しいコメントがあります"})

	mu.Lock()
	defer mu.Unlock()
	if len(updates) < 2 {
		t.Fatalf("expected snapshot updates, got %d", len(updates))
	}
	last := updates[len(updates)-1]
	if last.Kind != UpdateNotice || last.Notice == "" {
		t.Errorf("last update should be the notice, got %+v", last)
	}
}

func TestRegistry_GetAndRemove(t *testing.T) {
	f := newFixture(t)
	reg := NewRegistry(f.center.deps, f.center.opts)
	defer reg.Close()
	ctx := context.Background()

	c1, err := reg.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	c2, err := reg.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if c1 != c2 {
		t.Error("Get should return the same center for the same user")
	}
	if reg.Len() != 1 {
		t.Errorf("Len() = %d, want 1", reg.Len())
	}

	reg.Remove("u1")
	if _, ok := reg.Lookup("u1"); ok {
		t.Error("center should be removed")
	}
	if f.hub.Len() != 0 {
		t.Errorf("removed center should release its subscriptions, got %d", f.hub.Len())
	}
}

func TestCenter_SaveTimeoutClearsSaving(t *testing.T) {
	f := newFixture(t)
	opts := f.center.opts
	opts.SaveTimeout = 40 * time.Millisecond
	c := NewCenter(f.center.deps, opts)
	t.Cleanup(c.Close)
	if err := c.SetUser(context.Background(), "u1"); err != nil {
		t.Fatalf("SetUser() error = %v", err)
	}

	c.MarkSaveStart()
	if !c.IsSaving() {
		t.Fatal("IsSaving() should be true after MarkSaveStart")
	}
	waitFor(t, func() bool { return !c.IsSaving() })

	before := f.messages.callCount()
	f.hub.Publish(realtime.ChangeEvent{Table: "messages", Operation: realtime.OperationInsert, UserID: "u1"})
	waitFor(t, func() bool { return f.messages.callCount() == before+1 })
}

func TestCenter_SaveEndStopsTimeout(t *testing.T) {
	f := newFixture(t)
	opts := f.center.opts
	opts.SaveTimeout = 40 * time.Millisecond
	c := NewCenter(f.center.deps, opts)
	t.Cleanup(c.Close)
	if err := c.SetUser(context.Background(), "u1"); err != nil {
		t.Fatalf("SetUser() error = %v", err)
	}

	c.MarkSaveStart()
	c.MarkSaveEnd()
	c.MarkSaveStart()
	time.Sleep(20 * time.Millisecond)
	if !c.IsSaving() {
		t.Fatal("a restarted save should not be cleared by an earlier deadline")
	}
	c.MarkSaveEnd()
}

func TestRegistry_ConcurrentGetSharesInit(t *testing.T) {
	f := newFixture(t)
	f.notifs.delay = 50 * time.Millisecond
	reg := NewRegistry(f.center.deps, f.center.opts)
	defer reg.Close()
	ctx := context.Background()

	got := make([]*Center, 2)
	var wg sync.WaitGroup
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := reg.Get(ctx, "u1")
			if err != nil {
				t.Errorf("Get() error = %v", err)
				return
			}
			got[i] = c
		}(i)
	}
	wg.Wait()

	if got[0] == nil || got[0] != got[1] {
		t.Fatalf("concurrent Get() returned different centers: %p, %p", got[0], got[1])
	}
	if uid := got[1].UserID(); uid != "u1" {
		t.Errorf("UserID() = %q, want u1", uid)
	}
	if count, _ := f.notifs.calls(); count != 1 {
		t.Errorf("CountUnread calls = %d, want 1", count)
	}
	if f.hub.Len() != 3 {
		t.Errorf("expected 3 change-feed subscriptions, got %d", f.hub.Len())
	}
}

func TestRegistry_RemoveDuringInitDiscardsCenter(t *testing.T) {
	f := newFixture(t)
	f.notifs.delay = 50 * time.Millisecond
	reg := NewRegistry(f.center.deps, f.center.opts)
	defer reg.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		reg.Get(context.Background(), "u1")
	}()
	time.Sleep(10 * time.Millisecond)
	reg.Remove("u1")
	<-done

	if _, ok := reg.Lookup("u1"); ok {
		t.Error("a center removed during initialization should not be kept")
	}
	if f.hub.Len() != 0 {
		t.Errorf("discarded center should release its subscriptions, got %d", f.hub.Len())
	}
}

func TestRegistry_DomainChangeIsScopedToUser(t *testing.T) {
	f := newFixture(t)
	reg := NewRegistry(f.center.deps, f.center.opts)
	defer reg.Close()
	ctx := context.Background()
	mgr := f.center.deps.Cache

	for _, userID := range []string{"u1", "u2"} {
		if _, err := reg.Get(ctx, userID); err != nil {
			t.Fatalf("Get(%s) error = %v", userID, err)
		}
	}
	u1Before, u2Before := f.domains.callsFor("u1"), f.domains.callsFor("u2")

	f.hub.Publish(realtime.ChangeEvent{Table: "domains", Operation: realtime.OperationInsert, UserID: "u1"})
	waitFor(t, func() bool { return f.domains.callsFor("u1") > u1Before })
	time.Sleep(100 * time.Millisecond)

	if got := f.domains.callsFor("u2"); got != u2Before {
		t.Errorf("u2 domain loads went %d -> %d after u1's change", u2Before, got)
	}
	for _, logical := range []string{cache.KeyDomainExpiry, cache.KeyNotificationCounts} {
		if !mgr.Has(ctx, cache.UserKey(logical, "u2")) {
			t.Errorf("u2's %s cache should survive u1's domain change", logical)
		}
	}
	if mgr.Has(ctx, cache.UserKey(cache.KeyNotificationCounts, "u1")) {
		t.Error("u1's notification_counts cache should be invalidated")
	}
}
