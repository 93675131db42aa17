// Package cleanup は不要データの自動削除ジョブを提供する。
// 保持期間（デフォルト90日）を超過した既読通知と期限切れセッションを削除し、
// 期限切れのキャッシュエントリを掃除する。
package cleanup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// CacheSweeper は期限切れキャッシュの削除に必要なインターフェース。
// cache.Managerがそのまま満たす。
type CacheSweeper interface {
	ClearExpired(ctx context.Context) int
}

// 削除クエリ。domain_expiry通知は閾値ごとの重複排除に使うため保持期間の対象外とし、
// ドメイン削除時のCASCADEで消える。
const (
	deleteReadNotificationsQuery = `DELETE FROM notifications
		WHERE is_read = true AND type <> 'domain_expiry' AND created_at < now() - $1::interval`
	deleteExpiredSessionsQuery = `DELETE FROM sessions WHERE expires_at < now()`
)

// CleanupJob は保持期間を超過したデータの自動削除ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	db            Executor
	cache         CacheSweeper
	logger        *slog.Logger
	RetentionDays int           // 既読通知の保持日数（デフォルト: 90）
	Interval      time.Duration // 実行間隔（デフォルト: 24時間）
}

// NewCleanupJob は新しいCleanupJobを生成する。
// cacheがnilの場合はキャッシュの掃除を行わない。
func NewCleanupJob(db Executor, cache CacheSweeper, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		db:            db,
		cache:         cache,
		logger:        logger,
		RetentionDays: 90,
		Interval:      24 * time.Hour,
	}
}

// Start はジョブをティッカーで定期実行する。起動直後に1回実行する。
func (j *CleanupJob) Start(ctx context.Context) {
	if err := j.Run(ctx); err != nil {
		j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Run は既読通知・期限切れセッション・期限切れキャッシュを削除する。
// 1つの削除が失敗しても残りは実行し、失敗をまとめて返す。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	interval := fmt.Sprintf("%d days", j.RetentionDays)

	notifications, errNotifications := j.exec(ctx, "notifications", deleteReadNotificationsQuery, interval)
	sessions, errSessions := j.exec(ctx, "sessions", deleteExpiredSessionsQuery)

	cacheEntries := 0
	if j.cache != nil {
		cacheEntries = j.cache.ClearExpired(ctx)
	}

	if err := errors.Join(errNotifications, errSessions); err != nil {
		return err
	}

	duration := time.Since(start)
	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("deleted_notifications", notifications),
		slog.Int64("deleted_sessions", sessions),
		slog.Int("deleted_cache_entries", cacheEntries),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	return nil
}

// exec は削除クエリを実行し、削除件数を返す。
func (j *CleanupJob) exec(ctx context.Context, table, query string, args ...interface{}) (int64, error) {
	result, err := j.db.ExecContext(ctx, query, args...)
	if err != nil {
		j.logger.Error("クリーンアップの実行に失敗しました",
			slog.String("table", table),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("%sのクリーンアップに失敗: %w", table, err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("削除件数の取得に失敗しました",
			slog.String("table", table),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("%sの削除件数の取得に失敗: %w", table, err)
	}
	return deleted, nil
}
