// Package notification はユーザーごとの未読数・コメント通知・期限間近ドメインを集約し、
// チェンジフィードの変更をデバウンスして反映する通知センターを提供する。
package notification

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/projecthub/internal/cache"
	"github.com/hitoshi/projecthub/internal/debounce"
	"github.com/hitoshi/projecthub/internal/events"
	"github.com/hitoshi/projecthub/internal/model"
	"github.com/hitoshi/projecthub/internal/realtime"
	"github.com/hitoshi/projecthub/internal/repository"
)

// 再読み込みの単位となるスライス名。
const (
	SliceNotifications = "notifications"
	SliceMessages      = "messages"
	SliceComments      = "comments"
	SliceDomains       = "domains"
)

// watchedTables は購読するテーブルと、その変更で再読み込みするスライス。
var watchedTables = map[string][]string{
	"domains":       {SliceDomains},
	"notifications": {SliceNotifications, SliceComments},
	"messages":      {SliceMessages},
}

// Snapshot は通知センターの状態のコピー。
type Snapshot struct {
	UserID               string                 `json:"user_id"`
	UnreadNotifications  int                    `json:"unread_notifications"`
	UnreadMessages       int                    `json:"unread_messages"`
	CommentNotifications []*model.Notification  `json:"comment_notifications"`
	ExpiringDomains      []model.ExpiringDomain `json:"expiring_domains"`
	Loading              bool                   `json:"loading"`
	IsSaving             bool                   `json:"is_saving"`
}

// UpdateKind はリスナーへ配信する更新の種類。
type UpdateKind string

const (
	UpdateSnapshot UpdateKind = "snapshot"
	UpdateNotice   UpdateKind = "notice"
)

// Update はリスナーへ配信される更新。
// KindがUpdateNoticeの場合はNoticeにUI全体へ表示するメッセージが入る。
type Update struct {
	Kind     UpdateKind
	Snapshot Snapshot
	Notice   string
}

// Recorder は通知センターの計測を受け取るインターフェース。
type Recorder interface {
	RecordNotificationReload(slice string)
	RecordNotificationDropped(table string)
}

type nopRecorder struct{}

func (nopRecorder) RecordNotificationReload(string)  {}
func (nopRecorder) RecordNotificationDropped(string) {}

// Deps は通知センターの依存。
type Deps struct {
	Notifications repository.NotificationRepository
	Messages      repository.MessageRepository
	Domains       repository.DomainRepository
	Cache         *cache.Manager
	Feed          realtime.Feed
	Bus           *events.Bus
	Logger        *slog.Logger
	Recorder      Recorder
	Now           func() time.Time
}

// Options は通知センターの動作設定。
type Options struct {
	Debounce     time.Duration
	ExpiryWindow time.Duration
	CommentLimit int
	// SaveTimeout は保存終了が通知されない場合に保存中状態を解除するまでの時間。
	SaveTimeout time.Duration
}

// DefaultOptions はデフォルトの動作設定を返す。
func DefaultOptions() Options {
	return Options{
		Debounce:     time.Second,
		ExpiryWindow: 30 * 24 * time.Hour,
		CommentLimit: 50,
		SaveTimeout:  30 * time.Second,
	}
}

// Center は1ユーザー分の通知状態を保持する。
type Center struct {
	deps      Deps
	opts      Options
	debouncer *debounce.Debouncer

	// ctx はデバウンス後の再読み込みに使用し、Closeでキャンセルされる。
	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.RWMutex
	state          Snapshot
	unsubs         []func()
	listeners      map[int]func(Update)
	nextListenerID int
	saveTimer      *time.Timer
	saveGen        uint64
}

// NewCenter は通知センターを生成する。ユーザーはSetUserで設定する。
func NewCenter(deps Deps, opts Options) *Center {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if opts.CommentLimit <= 0 {
		opts.CommentLimit = DefaultOptions().CommentLimit
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = DefaultOptions().SaveTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Center{
		deps:      deps,
		opts:      opts,
		debouncer: debounce.New(opts.Debounce),
		ctx:       ctx,
		cancel:    cancel,
		state:     emptySnapshot(""),
		listeners: make(map[int]func(Update)),
	}
}

func emptySnapshot(userID string) Snapshot {
	return Snapshot{
		UserID:               userID,
		CommentNotifications: []*model.Notification{},
		ExpiringDomains:      []model.ExpiringDomain{},
	}
}

// SetUser は対象ユーザーを切り替える。
// 既存の購読を解除して状態をリセットし、ユーザーが空でなければ購読を登録して全スライスを再読み込みする。
func (c *Center) SetUser(ctx context.Context, userID string) error {
	c.teardown()

	c.mu.Lock()
	c.state = emptySnapshot(userID)
	c.mu.Unlock()

	if userID == "" {
		c.emitSnapshot()
		return nil
	}

	if err := c.subscribe(userID); err != nil {
		c.teardown()
		return err
	}

	c.ReloadAll(ctx)
	return nil
}

func (c *Center) subscribe(userID string) error {
	var unsubs []func()
	for table := range watchedTables {
		unsub, err := c.deps.Feed.Subscribe(realtime.Filter{Table: table, UserID: userID}, c.onChange)
		if err != nil {
			for _, u := range unsubs {
				u()
			}
			return fmt.Errorf("%s テーブルの購読に失敗: %w", table, err)
		}
		unsubs = append(unsubs, unsub)
	}

	if c.deps.Bus != nil {
		unsubs = append(unsubs,
			c.deps.Bus.Subscribe(events.TopicSaveStart, c.forCurrentUser(func(events.Event) { c.MarkSaveStart() })),
			c.deps.Bus.Subscribe(events.TopicSaveEnd, c.forCurrentUser(func(events.Event) { c.MarkSaveEnd() })),
			c.deps.Bus.Subscribe(events.TopicDomainDataChanged, c.forCurrentUser(c.onDomainDataChanged)),
			c.deps.Bus.Subscribe(events.TopicGlobalNotification, c.forCurrentUser(c.onGlobalNotification)),
		)
	}

	c.mu.Lock()
	c.unsubs = unsubs
	c.mu.Unlock()
	return nil
}

// forCurrentUser は他ユーザー宛てのイベントを除外するハンドラを返す。
func (c *Center) forCurrentUser(h events.Handler) events.Handler {
	return func(ev events.Event) {
		if ev.UserID != "" && ev.UserID != c.UserID() {
			return
		}
		h(ev)
	}
}

func (c *Center) teardown() {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	for _, slice := range []string{SliceNotifications, SliceMessages, SliceComments, SliceDomains} {
		c.debouncer.Cancel(slice)
	}
	c.stopSaveTimer()
}

// Close は購読と保留中の再読み込みを破棄する。
func (c *Center) Close() {
	c.teardown()
	c.debouncer.Stop()
	c.cancel()

	c.mu.Lock()
	c.listeners = make(map[int]func(Update))
	c.mu.Unlock()
}

// UserID は現在のユーザーIDを返す。
func (c *Center) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.UserID
}

// IsSaving は保存処理中かを返す。
func (c *Center) IsSaving() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.IsSaving
}

// Snapshot は現在の状態のコピーを返す。
func (c *Center) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

func (c *Center) snapshotLocked() Snapshot {
	s := c.state
	s.CommentNotifications = append([]*model.Notification{}, c.state.CommentNotifications...)
	s.ExpiringDomains = append([]model.ExpiringDomain{}, c.state.ExpiringDomains...)
	return s
}

// Subscribe は状態更新のリスナーを登録し、登録解除関数を返す。
// リスナーは呼び出し元をブロックしないこと。
func (c *Center) Subscribe(listener func(Update)) func() {
	c.mu.Lock()
	id := c.nextListenerID
	c.nextListenerID++
	c.listeners[id] = listener
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

func (c *Center) emit(u Update) {
	c.mu.RLock()
	listeners := make([]func(Update), 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.RUnlock()

	for _, l := range listeners {
		l(u)
	}
}

func (c *Center) emitSnapshot() {
	c.emit(Update{Kind: UpdateSnapshot, Snapshot: c.Snapshot()})
}

// ReloadAll は4つのスライスを並列に再読み込みする。
// 失敗したスライスは空の値にリセットされ、エラーはログ出力のみ行う。
func (c *Center) ReloadAll(ctx context.Context) {
	c.mu.Lock()
	c.state.Loading = true
	c.mu.Unlock()
	c.emitSnapshot()

	g, gctx := errgroup.WithContext(ctx)
	for _, slice := range []string{SliceNotifications, SliceMessages, SliceComments, SliceDomains} {
		slice := slice
		g.Go(func() error {
			c.reload(gctx, slice, false)
			return nil
		})
	}
	_ = g.Wait()

	c.mu.Lock()
	c.state.Loading = false
	c.mu.Unlock()
	c.emitSnapshot()
}

// onChange はチェンジフィードのイベントを処理する。
// イベントのユーザーのキャッシュは常に無効化し、保存処理中でなければ該当スライスの再読み込みをデバウンスする。
func (c *Center) onChange(ev realtime.ChangeEvent) {
	c.deps.Cache.InvalidateUserDataChange(c.ctx, ev.UserID, ev.Table, string(ev.Operation))

	if c.IsSaving() {
		c.deps.Recorder.RecordNotificationDropped(ev.Table)
		c.deps.Logger.Debug("保存処理中のためチェンジイベントを破棄しました",
			slog.String("table", ev.Table),
			slog.String("user_id", ev.UserID),
		)
		return
	}
	for _, slice := range watchedTables[ev.Table] {
		c.scheduleReload(slice)
	}
}

func (c *Center) onDomainDataChanged(events.Event) {
	if c.IsSaving() {
		c.deps.Recorder.RecordNotificationDropped("domains")
		return
	}
	c.scheduleReload(SliceDomains)
}

func (c *Center) onGlobalNotification(ev events.Event) {
	msg, ok := ev.Payload.(string)
	if !ok || msg == "" {
		return
	}
	c.emit(Update{Kind: UpdateNotice, Notice: msg, Snapshot: c.Snapshot()})
}

func (c *Center) scheduleReload(slice string) {
	c.debouncer.Trigger(slice, func() {
		c.reload(c.ctx, slice, true)
	})
}

// MarkSaveStart は保存処理の開始を記録する。保存中はチェンジイベントによる再読み込みを行わない。
// SaveTimeout以内にMarkSaveEndが呼ばれない場合は保存中状態を解除する。
func (c *Center) MarkSaveStart() {
	c.mu.Lock()
	c.saveGen++
	gen := c.saveGen
	if c.saveTimer != nil {
		c.saveTimer.Stop()
	}
	c.saveTimer = time.AfterFunc(c.opts.SaveTimeout, func() { c.expireSave(gen) })
	c.mu.Unlock()

	c.setSaving(true)
}

// MarkSaveEnd は保存処理の終了を記録する。
func (c *Center) MarkSaveEnd() {
	c.stopSaveTimer()
	c.setSaving(false)
}

func (c *Center) stopSaveTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saveGen++
	if c.saveTimer != nil {
		c.saveTimer.Stop()
		c.saveTimer = nil
	}
}

// expireSave はgenの保存がまだ継続中の場合に保存中状態を解除する。
func (c *Center) expireSave(gen uint64) {
	c.mu.Lock()
	if c.saveGen != gen || !c.state.IsSaving {
		c.mu.Unlock()
		return
	}
	c.state.IsSaving = false
	c.saveTimer = nil
	userID := c.state.UserID
	c.mu.Unlock()

	c.deps.Logger.Warn("保存終了が通知されないため保存中状態を解除しました",
		slog.String("user_id", userID),
		slog.Duration("timeout", c.opts.SaveTimeout),
	)
	c.emitSnapshot()
}

func (c *Center) setSaving(saving bool) {
	c.mu.Lock()
	changed := c.state.IsSaving != saving
	c.state.IsSaving = saving
	c.mu.Unlock()
	if changed {
		c.emitSnapshot()
	}
}

// MarkCommentAsRead はコメント通知を既読にする。
func (c *Center) MarkCommentAsRead(ctx context.Context, notificationID string) error {
	userID := c.UserID()
	if userID == "" {
		return model.NewUnauthorizedError()
	}
	found, err := c.deps.Notifications.MarkRead(ctx, userID, notificationID)
	if err != nil {
		return fmt.Errorf("通知の既読化に失敗: %w", err)
	}
	if !found {
		return model.NewNotificationNotFoundError(notificationID)
	}
	c.deps.Cache.InvalidateUserLogical(ctx, userID, cache.KeyCommentNotifications, cache.KeyNotificationCounts)

	c.mu.Lock()
	kept := make([]*model.Notification, 0, len(c.state.CommentNotifications))
	for _, n := range c.state.CommentNotifications {
		if n.ID != notificationID {
			kept = append(kept, n)
		}
	}
	if len(kept) < len(c.state.CommentNotifications) && c.state.UnreadNotifications > 0 {
		c.state.UnreadNotifications--
	}
	c.state.CommentNotifications = kept
	c.mu.Unlock()

	c.emitSnapshot()
	return nil
}

// ClearAllComments は全てのコメント通知を既読にする。
func (c *Center) ClearAllComments(ctx context.Context) error {
	userID := c.UserID()
	if userID == "" {
		return model.NewUnauthorizedError()
	}
	updated, err := c.deps.Notifications.MarkAllReadByType(ctx, userID, model.NotificationTypeComment)
	if err != nil {
		return fmt.Errorf("コメント通知の一括既読化に失敗: %w", err)
	}
	c.deps.Cache.InvalidateUserLogical(ctx, userID, cache.KeyCommentNotifications, cache.KeyNotificationCounts)

	c.mu.Lock()
	c.state.CommentNotifications = []*model.Notification{}
	c.state.UnreadNotifications = max(0, c.state.UnreadNotifications-int(updated))
	c.mu.Unlock()

	c.emitSnapshot()
	return nil
}

// RefreshNotifications は未読通知数とコメント通知をキャッシュを使わずに再読み込みする。
func (c *Center) RefreshNotifications(ctx context.Context) {
	c.reload(ctx, SliceNotifications, true)
	c.reload(ctx, SliceComments, true)
}

// RefreshMessages は未読メッセージ数をキャッシュを使わずに再読み込みする。
func (c *Center) RefreshMessages(ctx context.Context) {
	c.reload(ctx, SliceMessages, true)
}

// RefreshDomains は期限間近ドメインをキャッシュを使わずに再読み込みする。
func (c *Center) RefreshDomains(ctx context.Context) {
	c.reload(ctx, SliceDomains, true)
}

// reload は1スライスを読み込んで状態へ反映する。
// bypassCacheがtrueの場合は該当キャッシュを無効化してからバックエンドを参照する。
func (c *Center) reload(ctx context.Context, slice string, bypassCache bool) {
	userID := c.UserID()
	if userID == "" {
		return
	}
	c.deps.Recorder.RecordNotificationReload(slice)

	key := cache.UserKey(cacheKeyFor(slice), userID)
	if bypassCache {
		c.deps.Cache.Invalidate(ctx, key)
	}

	var apply func(*Snapshot)
	switch slice {
	case SliceNotifications:
		n, err := loadCached(ctx, c, key, func(ctx context.Context) (int, error) {
			return c.deps.Notifications.CountUnread(ctx, userID)
		})
		c.logLoadError(slice, userID, err)
		apply = func(s *Snapshot) { s.UnreadNotifications = n }
	case SliceMessages:
		n, err := loadCached(ctx, c, key, func(ctx context.Context) (int, error) {
			return c.deps.Messages.CountUnread(ctx, userID)
		})
		c.logLoadError(slice, userID, err)
		apply = func(s *Snapshot) { s.UnreadMessages = n }
	case SliceComments:
		list, err := loadCached(ctx, c, key, func(ctx context.Context) ([]*model.Notification, error) {
			return c.deps.Notifications.ListUnreadByType(ctx, userID, model.NotificationTypeComment, c.opts.CommentLimit)
		})
		c.logLoadError(slice, userID, err)
		if list == nil {
			list = []*model.Notification{}
		}
		apply = func(s *Snapshot) { s.CommentNotifications = list }
	case SliceDomains:
		list, err := loadCached(ctx, c, key, func(ctx context.Context) ([]model.ExpiringDomain, error) {
			return c.loadExpiringDomains(ctx, userID)
		})
		c.logLoadError(slice, userID, err)
		if list == nil {
			list = []model.ExpiringDomain{}
		}
		apply = func(s *Snapshot) { s.ExpiringDomains = list }
	default:
		return
	}

	c.mu.Lock()
	// 読み込み中にユーザーが切り替わった場合は破棄する。
	if c.state.UserID != userID {
		c.mu.Unlock()
		return
	}
	apply(&c.state)
	loading := c.state.Loading
	c.mu.Unlock()

	if !loading {
		c.emitSnapshot()
	}
}

func (c *Center) loadExpiringDomains(ctx context.Context, userID string) ([]model.ExpiringDomain, error) {
	now := c.deps.Now()
	domains, err := c.deps.Domains.ListExpiringByUser(ctx, userID, now.Add(c.opts.ExpiryWindow))
	if err != nil {
		return nil, err
	}
	list := make([]model.ExpiringDomain, 0, len(domains))
	for _, d := range domains {
		list = append(list, model.ExpiringDomain{
			DomainID:      d.ID,
			Name:          d.Name,
			ExpiryDate:    d.ExpiryDate,
			DaysRemaining: model.DaysUntil(d.ExpiryDate, now),
		})
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].DaysRemaining != list[j].DaysRemaining {
			return list[i].DaysRemaining < list[j].DaysRemaining
		}
		return list[i].Name < list[j].Name
	})
	return list, nil
}

func (c *Center) logLoadError(slice, userID string, err error) {
	if err == nil {
		return
	}
	c.deps.Logger.Warn("通知データの読み込みに失敗しました",
		slog.String("slice", slice),
		slog.String("user_id", userID),
		slog.String("kind", model.KindOf(err).String()),
		slog.String("error", err.Error()),
	)
}

func cacheKeyFor(slice string) string {
	switch slice {
	case SliceNotifications:
		return cache.KeyNotificationCounts
	case SliceMessages:
		return cache.KeyMessageCounts
	case SliceComments:
		return cache.KeyCommentNotifications
	default:
		return cache.KeyDomainExpiry
	}
}

// loadCached は有効なキャッシュがあればそれを返し、無ければfetchの結果をキャッシュして返す。
// fetchが失敗した場合はゼロ値とエラーを返す。
func loadCached[T any](ctx context.Context, c *Center, key string, fetch func(context.Context) (T, error)) (T, error) {
	var v T
	if c.deps.Cache.Get(ctx, key, &v) {
		return v, nil
	}
	v, err := fetch(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	c.deps.Cache.Set(ctx, key, v)
	return v, nil
}
