// Package presence はセッションのライフサイクルとベストエフォートのオンライン状態を管理する。
//
// 状態は signed_out → initializing → signed_in と遷移し、signed_in から signed_out へは
// 明示的なサインアウト（またはセッション失効）でのみ戻る。タブの非表示やネットワーク断では遷移しない。
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/projecthub/internal/cache"
	"github.com/hitoshi/projecthub/internal/kvstore"
	"github.com/hitoshi/projecthub/internal/model"
	"github.com/hitoshi/projecthub/internal/repository"
)

// State はトラッカーの状態。
type State string

const (
	StateSignedOut    State = "signed_out"
	StateInitializing State = "initializing"
	StateSignedIn     State = "signed_in"
)

// statusKeyPrefix はローカルに永続化するオンライン状態レコードのキープレフィックス。
const statusKeyPrefix = "presence_status:"

// Recorder はプレゼンスの計測を受け取るインターフェース。
type Recorder interface {
	RecordHeartbeat()
	RecordBeaconFailure()
	RecordPresenceTransition(from, to string)
}

type nopRecorder struct{}

func (nopRecorder) RecordHeartbeat()                        {}
func (nopRecorder) RecordBeaconFailure()                    {}
func (nopRecorder) RecordPresenceTransition(string, string) {}

// Deps はトラッカーの依存。
type Deps struct {
	Sessions repository.SessionRepository
	Profiles repository.ProfileRepository
	Cache    *cache.Manager
	Store    kvstore.Store
	Beacon   Beacon
	Logger   *slog.Logger
	Recorder Recorder
	Now      func() time.Time
}

// Options はトラッカーの動作設定。
type Options struct {
	HeartbeatInterval    time.Duration
	SessionLookupTimeout time.Duration
	ProfileStaleAfter    time.Duration
	Retry                RetryPolicy
}

// DefaultOptions はデフォルトの動作設定を返す。
func DefaultOptions() Options {
	return Options{
		HeartbeatInterval:    30 * time.Second,
		SessionLookupTimeout: 5 * time.Second,
		ProfileStaleAfter:    10 * time.Minute,
		Retry:                DefaultRetryPolicy(),
	}
}

// Tracker は1セッション分のプレゼンスを管理する。
type Tracker struct {
	deps      Deps
	opts      Options
	sessionID string

	mu      sync.Mutex
	state   State
	userID  string
	profile *model.Profile
	leaving bool
	stopHB  context.CancelFunc
	hbDone  chan struct{}

	// onlineMu はオンライン書き込みとサインアウト開始を直列化する。
	onlineMu sync.Mutex
}

// NewTracker はセッションIDに対するTrackerを生成する。初期状態はsigned_out。
func NewTracker(deps Deps, opts Options, sessionID string) *Tracker {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultOptions().HeartbeatInterval
	}
	return &Tracker{
		deps:      deps,
		opts:      opts,
		sessionID: sessionID,
		state:     StateSignedOut,
	}
}

// State は現在の状態を返す。
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// UserID はサインイン中のユーザーIDを返す。
func (t *Tracker) UserID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.userID
}

// SessionID はトラッカーのセッションIDを返す。
func (t *Tracker) SessionID() string {
	return t.sessionID
}

// Profile は読み込み済みのプロフィールを返す。
func (t *Tracker) Profile() *model.Profile {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.profile == nil {
		return nil
	}
	p := *t.profile
	return &p
}

func (t *Tracker) transition(to State) {
	t.mu.Lock()
	from := t.state
	t.state = to
	t.mu.Unlock()

	if from != to {
		t.deps.Recorder.RecordPresenceTransition(string(from), string(to))
		t.deps.Logger.Debug("プレゼンス状態が遷移しました",
			slog.String("session_id", t.sessionID),
			slog.String("from", string(from)),
			slog.String("to", string(to)),
		)
	}
}

// Start はセッションを確認し、プロフィールを読み込んでsigned_inへ遷移する。
// セッションの確認がタイムアウトまたは失敗した場合はリトライせずsigned_outへ戻る。
func (t *Tracker) Start(ctx context.Context) error {
	if t.State() != StateSignedOut {
		return nil
	}
	t.transition(StateInitializing)

	lookupCtx, cancel := context.WithTimeout(ctx, t.opts.SessionLookupTimeout)
	session, err := t.deps.Sessions.FindByID(lookupCtx, t.sessionID)
	cancel()
	if err != nil {
		t.transition(StateSignedOut)
		return fmt.Errorf("セッションの確認に失敗: %w", err)
	}
	if session == nil {
		t.transition(StateSignedOut)
		return model.NewSessionNotFoundError()
	}

	profile, err := t.loadProfile(ctx, session.UserID, false)
	if err != nil {
		t.transition(StateSignedOut)
		return err
	}
	if !profile.IsActive() {
		t.transition(StateSignedOut)
		return model.NewProfileInactiveError()
	}

	t.mu.Lock()
	t.userID = session.UserID
	t.profile = profile
	t.leaving = false
	t.mu.Unlock()

	t.transition(StateSignedIn)
	t.setOnline(ctx)
	t.startHeartbeat()
	return nil
}

// loadProfile はプロフィールをキャッシュ優先で読み込む。
// forceNetworkがtrueの場合はキャッシュを参照しない。
// 取得に失敗した場合、ユーザーIDが一致する既知のプロフィールがあればそれを返す。
func (t *Tracker) loadProfile(ctx context.Context, userID string, forceNetwork bool) (*model.Profile, error) {
	key := cache.UserKey(cache.KeyProfile, userID)

	var cached model.Profile
	hasCached := t.deps.Cache.Get(ctx, key, &cached) && cached.ID == userID
	if hasCached && !forceNetwork {
		return &cached, nil
	}

	var profile *model.Profile
	err := Retry(ctx, t.opts.Retry, func(ctx context.Context) error {
		p, err := t.deps.Profiles.FindByID(ctx, userID)
		if err != nil {
			return err
		}
		if p == nil {
			return &model.BackendError{Kind: model.ErrorKindNotFound, Op: "profiles.find", Err: errors.New("profile not found")}
		}
		profile = p
		return nil
	})
	if err == nil {
		t.deps.Cache.Set(ctx, key, profile)
		return profile, nil
	}

	t.deps.Logger.Warn("プロフィールの読み込みに失敗しました",
		slog.String("user_id", userID),
		slog.String("kind", model.KindOf(err).String()),
		slog.String("error", err.Error()),
	)
	if hasCached {
		return &cached, nil
	}
	if known := t.Profile(); known != nil && known.ID == userID {
		return known, nil
	}
	if model.KindOf(err) == model.ErrorKindNotFound {
		return nil, model.NewProfileNotFoundError()
	}
	return nil, fmt.Errorf("プロフィールの読み込みに失敗: %w", err)
}

// Heartbeat はオンライン状態とlast_seenを再設定する。signed_in以外では何もしない。
func (t *Tracker) Heartbeat(ctx context.Context) {
	if t.State() != StateSignedIn {
		return
	}
	t.deps.Recorder.RecordHeartbeat()
	t.setOnline(ctx)
}

// VisibilityChanged はタブの表示状態の変化を処理する。
// 非表示ではビーコンでオフラインを通知するのみで状態は遷移しない。
// 表示ではオンラインを再設定し、セッションを再確認し、古くなったプロフィールを更新する。
func (t *Tracker) VisibilityChanged(ctx context.Context, hidden bool) error {
	if t.State() != StateSignedIn {
		return nil
	}

	userID := t.UserID()

	if hidden {
		t.sendBeacon(t.offlineStatus())
		return nil
	}

	t.setOnline(ctx)

	lookupCtx, cancel := context.WithTimeout(ctx, t.opts.SessionLookupTimeout)
	session, err := t.deps.Sessions.FindByID(lookupCtx, t.sessionID)
	cancel()
	if err != nil {
		// 一時的な失敗ではサインイン状態を維持する。
		t.deps.Logger.Warn("セッションの再確認に失敗しました",
			slog.String("session_id", t.sessionID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if session == nil {
		t.expire(ctx)
		return model.NewSessionNotFoundError()
	}

	age, ok := t.deps.Cache.GetAge(ctx, cache.UserKey(cache.KeyProfile, userID))
	if !ok || age > t.opts.ProfileStaleAfter {
		profile, err := t.loadProfile(ctx, userID, true)
		if err == nil {
			t.mu.Lock()
			t.profile = profile
			t.mu.Unlock()
		}
	}
	return nil
}

// SignOut はサインアウトする。
// バックエンドのオフライン化をセッション削除より前に同期的に行い、
// その後ローカルの状態レコード・ユーザーのキャッシュを破棄してハートビートを停止する。
func (t *Tracker) SignOut(ctx context.Context) error {
	t.mu.Lock()
	userID := t.userID
	t.mu.Unlock()
	if userID == "" {
		t.transition(StateSignedOut)
		return nil
	}

	t.stopHeartbeat()
	t.beginLeave()

	status := t.offlineStatus()
	if err := t.deps.Profiles.SetOnline(ctx, userID, false, status.LastSeen); err != nil {
		t.deps.Logger.Warn("サインアウト時のオフライン化に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		t.sendBeacon(status)
	}

	var sessionErr error
	if err := t.deps.Sessions.DeleteByID(ctx, t.sessionID); err != nil {
		sessionErr = fmt.Errorf("セッションの削除に失敗: %w", err)
	}

	t.teardownLocal(ctx, status)
	return sessionErr
}

// expire はセッション失効時にローカル状態を破棄してsigned_outへ遷移する。
func (t *Tracker) expire(ctx context.Context) {
	t.stopHeartbeat()
	t.beginLeave()
	status := t.offlineStatus()
	if err := t.deps.Profiles.SetOnline(ctx, status.UserID, false, status.LastSeen); err != nil {
		t.sendBeacon(status)
	}
	t.teardownLocal(ctx, status)
}

func (t *Tracker) teardownLocal(ctx context.Context, status model.PresenceStatus) {
	t.writeStatus(ctx, status)
	removed := t.deps.Cache.ClearUser(ctx, status.UserID)

	t.mu.Lock()
	t.userID = ""
	t.profile = nil
	t.mu.Unlock()
	t.transition(StateSignedOut)

	t.deps.Logger.Info("サインアウトしました",
		slog.String("user_id", status.UserID),
		slog.String("session_id", t.sessionID),
		slog.Int("cleared_cache_entries", removed),
	)
}

// beginLeave 以降はsetOnlineが何もしない。実行中のsetOnlineがあれば終わるまで待つ。
func (t *Tracker) beginLeave() {
	t.onlineMu.Lock()
	t.mu.Lock()
	t.leaving = true
	t.mu.Unlock()
	t.onlineMu.Unlock()
}

// Close はバックエンドの状態を変更せずにハートビートを停止する。
func (t *Tracker) Close() {
	t.stopHeartbeat()
}

// Status はローカルに永続化されたオンライン状態を返す。
func (t *Tracker) Status(ctx context.Context) (model.PresenceStatus, bool) {
	raw, err := t.deps.Store.Get(ctx, statusKeyPrefix+t.sessionID)
	if err != nil {
		return model.PresenceStatus{}, false
	}
	var status model.PresenceStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		return model.PresenceStatus{}, false
	}
	return status, true
}

func (t *Tracker) offlineStatus() model.PresenceStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return model.PresenceStatus{
		UserID:    t.userID,
		IsOnline:  false,
		LastSeen:  t.deps.Now(),
		SessionID: t.sessionID,
	}
}

// setOnline はローカルの状態レコードとバックエンドの両方をオンラインにする。
// signed_in以外、またはサインアウト開始後は何もしない。バックエンドの更新失敗はログ出力のみ行う。
func (t *Tracker) setOnline(ctx context.Context) {
	t.onlineMu.Lock()
	defer t.onlineMu.Unlock()

	t.mu.Lock()
	if t.leaving || t.state != StateSignedIn {
		t.mu.Unlock()
		return
	}
	status := model.PresenceStatus{
		UserID:    t.userID,
		IsOnline:  true,
		LastSeen:  t.deps.Now(),
		SessionID: t.sessionID,
	}
	t.mu.Unlock()

	t.writeStatus(ctx, status)
	if err := t.deps.Profiles.SetOnline(ctx, status.UserID, true, status.LastSeen); err != nil {
		t.deps.Logger.Warn("オンライン状態の更新に失敗しました",
			slog.String("user_id", status.UserID),
			slog.String("error", err.Error()),
		)
	}
}

func (t *Tracker) writeStatus(ctx context.Context, status model.PresenceStatus) {
	raw, err := json.Marshal(status)
	if err != nil {
		return
	}
	if err := t.deps.Store.Set(ctx, statusKeyPrefix+t.sessionID, raw); err != nil {
		t.deps.Logger.Warn("オンライン状態レコードの書き込みに失敗しました",
			slog.String("session_id", t.sessionID),
			slog.String("error", err.Error()),
		)
	}
}

// sendBeacon はビーコンをバックグラウンドで送信する。結果は待たない。
func (t *Tracker) sendBeacon(status model.PresenceStatus) {
	if t.deps.Beacon == nil || status.UserID == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := t.deps.Beacon.SendOffline(ctx, status); err != nil {
			t.deps.Recorder.RecordBeaconFailure()
		}
	}()
}

func (t *Tracker) startHeartbeat() {
	t.stopHeartbeat()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.mu.Lock()
	t.stopHB = cancel
	t.hbDone = done
	t.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(t.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.Heartbeat(ctx)
			}
		}
	}()
}

// stopHeartbeat はハートビートを停止し、実行中の1回が終わるまで待つ。
func (t *Tracker) stopHeartbeat() {
	t.mu.Lock()
	cancel, done := t.stopHB, t.hbDone
	t.stopHB, t.hbDone = nil, nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
