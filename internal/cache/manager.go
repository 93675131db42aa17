// Package cache はキーバリューストア上にTTLとスキーマバージョンによる無効化を備えたキャッシュを提供する。
// 読み出し時に期限切れ・バージョン不一致・破損したエントリは削除され、呼び出し側にはミスとして返る。
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/projecthub/internal/events"
	"github.com/hitoshi/projecthub/internal/kvstore"
)

// domainCacheKeys はドメインデータ変更時に無効化する論理キー。
var domainCacheKeys = []string{
	KeyDomainExpiry,
	KeyProjects,
	KeyDashboard,
	KeyNotificationCounts,
}

// Recorder はキャッシュ操作の計測を受け取るインターフェース。
type Recorder interface {
	RecordCacheHit(logicalKey string)
	RecordCacheMiss(logicalKey string)
	RecordCacheInvalidation(logicalKey string)
	RecordCacheWriteFailure(logicalKey string)
}

type nopRecorder struct{}

func (nopRecorder) RecordCacheHit(string)          {}
func (nopRecorder) RecordCacheMiss(string)         {}
func (nopRecorder) RecordCacheInvalidation(string) {}
func (nopRecorder) RecordCacheWriteFailure(string) {}

// Manager はキャッシュマネージャー。
// 並行利用に対して安全だが、同一キーへの書き込みは最後の書き込みが優先される。
type Manager struct {
	store    kvstore.Store
	cfg      Config
	now      func() time.Time
	logger   *slog.Logger
	bus      *events.Bus
	recorder Recorder
	group    singleflight.Group
}

// Option はManagerの生成オプション。
type Option func(*Manager)

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger はロガーを設定する。
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithBus はドメインデータ変更の通知先となるイベントバスを設定する。
func WithBus(bus *events.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithRecorder はメトリクスの記録先を設定する。
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// New はManagerを生成する。
func New(store kvstore.Store, cfg Config, opts ...Option) *Manager {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	m := &Manager{
		store:    store,
		cfg:      cfg,
		now:      time.Now,
		logger:   slog.Default(),
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config は現在の設定を返す。
func (m *Manager) Config() Config {
	return m.cfg
}

// Set はdataをキャッシュに書き込む。
// 書き込みに失敗した場合は期限切れエントリを掃除し、エラーはログ出力のみ行う。
func (m *Manager) Set(ctx context.Context, key string, data any) {
	logical := LogicalKey(key)
	raw, err := json.Marshal(data)
	if err != nil {
		m.logger.Warn("キャッシュ値のシリアライズに失敗しました",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return
	}

	policy := m.cfg.PolicyFor(key)
	now := m.now()
	entry := Entry{
		Data:      raw,
		Timestamp: now.UnixMilli(),
		Version:   policy.Version,
		ExpiresAt: now.Add(policy.Duration).UnixMilli(),
	}
	buf, err := json.Marshal(entry)
	if err != nil {
		m.logger.Warn("キャッシュエントリのシリアライズに失敗しました",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := m.store.Set(ctx, m.cfg.Prefix+key, buf); err != nil {
		m.recorder.RecordCacheWriteFailure(logical)
		m.logger.Warn("キャッシュの書き込みに失敗しました",
			slog.String("key", key),
			slog.Bool("quota_exceeded", errors.Is(err, kvstore.ErrQuotaExceeded)),
			slog.String("error", err.Error()),
		)
		removed := m.ClearExpired(ctx)
		m.logger.Info("期限切れキャッシュを掃除しました", slog.Int("removed", removed))
	}
}

// Get は有効なエントリをdstにデコードしてtrueを返す。
// エントリが存在しない、期限切れ、バージョン不一致、破損の場合はfalseを返す。
func (m *Manager) Get(ctx context.Context, key string, dst any) bool {
	logical := LogicalKey(key)
	entry, ok := m.load(ctx, key)
	if !ok {
		m.recorder.RecordCacheMiss(logical)
		return false
	}
	if dst != nil {
		if err := json.Unmarshal(entry.Data, dst); err != nil {
			m.logger.Warn("キャッシュ値のデコードに失敗したため削除します",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
			m.Invalidate(ctx, key)
			m.recorder.RecordCacheMiss(logical)
			return false
		}
	}
	m.recorder.RecordCacheHit(logical)
	return true
}

// Has は有効なエントリが存在するかを返す。
func (m *Manager) Has(ctx context.Context, key string) bool {
	_, ok := m.load(ctx, key)
	return ok
}

// GetAge は有効なエントリの経過時間を返す。エントリが無い場合はfalseを返す。
func (m *Manager) GetAge(ctx context.Context, key string) (time.Duration, bool) {
	entry, ok := m.load(ctx, key)
	if !ok {
		return 0, false
	}
	return entry.age(m.now()), true
}

// ShouldRefresh は経過時間が有効期間の半分を超えている場合、
// またはエントリが無い場合にtrueを返す。
func (m *Manager) ShouldRefresh(ctx context.Context, key string) bool {
	age, ok := m.GetAge(ctx, key)
	if !ok {
		return true
	}
	return age > m.cfg.PolicyFor(key).Duration/2
}

// Invalidate は指定キーのエントリを削除する。存在しない場合は何もしない。
func (m *Manager) Invalidate(ctx context.Context, key string) {
	if err := m.store.Delete(ctx, m.cfg.Prefix+key); err != nil {
		m.logger.Warn("キャッシュの削除に失敗しました",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return
	}
	m.recorder.RecordCacheInvalidation(LogicalKey(key))
}

// InvalidateLogical は論理キーに属する全ユーザー分のエントリを削除する。
func (m *Manager) InvalidateLogical(ctx context.Context, logical string) {
	m.invalidateLogicalSet(ctx, logical)
}

// InvalidateUserLogical はユーザーにスコープされた論理キーのエントリを削除する。
func (m *Manager) InvalidateUserLogical(ctx context.Context, userID string, logicals ...string) {
	for _, logical := range logicals {
		m.Invalidate(ctx, UserKey(logical, userID))
	}
}

// InvalidateDomainCaches はドメイン関連のキャッシュを全ユーザー分削除し、
// TopicDomainDataChangedを1回だけ配信する。
func (m *Manager) InvalidateDomainCaches(ctx context.Context) {
	m.invalidateLogicalSet(ctx, domainCacheKeys...)
	if m.bus != nil {
		m.bus.Publish(events.Event{Topic: events.TopicDomainDataChanged})
	}
}

// InvalidateUserDomainCaches は指定ユーザーのドメイン関連キャッシュのみを削除し、
// そのユーザー宛てのTopicDomainDataChangedを1回だけ配信する。
func (m *Manager) InvalidateUserDomainCaches(ctx context.Context, userID string) {
	if userID == "" {
		m.InvalidateDomainCaches(ctx)
		return
	}
	m.InvalidateUserLogical(ctx, userID, domainCacheKeys...)
	if m.bus != nil {
		m.bus.Publish(events.Event{Topic: events.TopicDomainDataChanged, UserID: userID})
	}
}

// InvalidateOnDataChange はバックエンドのテーブル変更に対応するキャッシュを全ユーザー分削除する。
// 未定義のテーブルはprojectsとdashboardを削除する。
func (m *Manager) InvalidateOnDataChange(ctx context.Context, table, operation string) {
	m.logger.Debug("データ変更に伴いキャッシュを無効化します",
		slog.String("table", table),
		slog.String("operation", operation),
	)
	if table == "domains" {
		m.InvalidateDomainCaches(ctx)
		return
	}
	m.invalidateLogicalSet(ctx, dataChangeKeys(table)...)
}

// InvalidateUserDataChange はInvalidateOnDataChangeと同じ対応で、指定ユーザーのエントリのみを削除する。
// userIDが空の場合は全ユーザー分を削除する。
func (m *Manager) InvalidateUserDataChange(ctx context.Context, userID, table, operation string) {
	if userID == "" {
		m.InvalidateOnDataChange(ctx, table, operation)
		return
	}
	m.logger.Debug("データ変更に伴いユーザーのキャッシュを無効化します",
		slog.String("user_id", userID),
		slog.String("table", table),
		slog.String("operation", operation),
	)
	if table == "domains" {
		m.InvalidateUserDomainCaches(ctx, userID)
		return
	}
	m.InvalidateUserLogical(ctx, userID, dataChangeKeys(table)...)
}

// dataChangeKeys はテーブル変更時に無効化する論理キーを返す。domainsはdomainCacheKeys。
func dataChangeKeys(table string) []string {
	switch table {
	case "domains":
		return domainCacheKeys
	case "projects":
		return []string{KeyProjects, KeyDashboard}
	case "notifications":
		return []string{KeyNotificationCounts, KeyCommentNotifications, KeyDashboard}
	case "comments":
		return []string{KeyCommentNotifications, KeyNotificationCounts}
	case "messages":
		return []string{KeyMessageCounts, KeyDashboard}
	case "profiles":
		return []string{KeyProfile}
	default:
		return []string{KeyProjects, KeyDashboard}
	}
}

// ClearAll はプレフィックス配下の全エントリを削除し、削除件数を返す。
func (m *Manager) ClearAll(ctx context.Context) int {
	return m.deleteMatching(ctx, func(string) bool { return true })
}

// ClearUser は指定ユーザーにスコープされた全エントリを削除し、削除件数を返す。
func (m *Manager) ClearUser(ctx context.Context, userID string) int {
	if userID == "" {
		return 0
	}
	suffix := ":" + userID
	return m.deleteMatching(ctx, func(key string) bool {
		return strings.HasSuffix(key, suffix)
	})
}

// ClearExpired は期限切れ・バージョン不一致・破損したエントリを削除し、削除件数を返す。
func (m *Manager) ClearExpired(ctx context.Context) int {
	keys, err := m.store.Keys(ctx, m.cfg.Prefix)
	if err != nil {
		m.logger.Warn("キャッシュキーの列挙に失敗しました", slog.String("error", err.Error()))
		return 0
	}
	now := m.now()
	removed := 0
	for _, physical := range keys {
		key := strings.TrimPrefix(physical, m.cfg.Prefix)
		raw, err := m.store.Get(ctx, physical)
		if err != nil {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err == nil && entry.validAt(now, m.cfg.PolicyFor(key).Version) {
			continue
		}
		if err := m.store.Delete(ctx, physical); err != nil {
			continue
		}
		removed++
	}
	return removed
}

// PreWarm は有効なエントリが無い場合のみfetcherを呼び出して結果を書き込む。
// 同一キーへの同時呼び出しではfetcherは1回だけ実行される。
func (m *Manager) PreWarm(ctx context.Context, key string, fetcher func(ctx context.Context) (any, error)) error {
	if m.Has(ctx, key) {
		return nil
	}
	// 共有する取得は最初の呼び出し元のキャンセルに影響されない。
	// キャンセルされた呼び出し元は自身のエラーで待機を抜ける。
	shared := context.WithoutCancel(ctx)
	ch := m.group.DoChan(key, func() (any, error) {
		if m.Has(shared, key) {
			return nil, nil
		}
		v, err := fetcher(shared)
		if err != nil {
			return nil, err
		}
		m.Set(shared, key, v)
		return nil, nil
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// load はエントリを読み出し、無効なものは削除する。
func (m *Manager) load(ctx context.Context, key string) (*Entry, bool) {
	physical := m.cfg.Prefix + key
	raw, err := m.store.Get(ctx, physical)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			m.logger.Warn("キャッシュの読み出しに失敗しました",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		m.logger.Warn("破損したキャッシュエントリを削除します",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		m.Invalidate(ctx, key)
		return nil, false
	}
	if !entry.validAt(m.now(), m.cfg.PolicyFor(key).Version) {
		m.Invalidate(ctx, key)
		return nil, false
	}
	return &entry, true
}

func (m *Manager) invalidateLogicalSet(ctx context.Context, logicals ...string) {
	set := make(map[string]struct{}, len(logicals))
	for _, l := range logicals {
		set[l] = struct{}{}
	}
	m.deleteMatching(ctx, func(key string) bool {
		_, ok := set[LogicalKey(key)]
		return ok
	})
}

// deleteMatching はプレフィックス配下でmatchを満たすキーを削除する。
// matchにはプレフィックスを除いたキーが渡される。
func (m *Manager) deleteMatching(ctx context.Context, match func(key string) bool) int {
	keys, err := m.store.Keys(ctx, m.cfg.Prefix)
	if err != nil {
		m.logger.Warn("キャッシュキーの列挙に失敗しました", slog.String("error", err.Error()))
		return 0
	}
	removed := 0
	for _, physical := range keys {
		key := strings.TrimPrefix(physical, m.cfg.Prefix)
		if !match(key) {
			continue
		}
		if err := m.store.Delete(ctx, physical); err != nil {
			m.logger.Warn("キャッシュの削除に失敗しました",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
			continue
		}
		m.recorder.RecordCacheInvalidation(LogicalKey(key))
		removed++
	}
	return removed
}
