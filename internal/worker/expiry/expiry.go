// Package expiry はドメイン有効期限の接近を検出し、domain_expiry通知を作成するジョブを提供する。
// 残り日数が閾値（30, 14, 7, 3, 1, 0日）を下回るたびに、ドメインと閾値の組ごとに1件だけ通知する。
package expiry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/projecthub/internal/model"
	"github.com/hitoshi/projecthub/internal/repository"
)

// DefaultThresholds は通知を作成する残り日数の閾値。降順で並べる。
var DefaultThresholds = []int{30, 14, 7, 3, 1, 0}

// CacheInvalidator は通知作成後のキャッシュ無効化に必要なインターフェース。
// cache.Managerがそのまま満たす。
type CacheInvalidator interface {
	InvalidateOnDataChange(ctx context.Context, table, operation string)
}

// Recorder は作成した通知数を受け取るインターフェース。
type Recorder interface {
	RecordExpiryNotificationsCreated(count int)
}

type nopRecorder struct{}

func (nopRecorder) RecordExpiryNotificationsCreated(int) {}

// Config はジョブの設定。
type Config struct {
	// Interval はスキャンの実行間隔（デフォルト: 1時間）。
	Interval time.Duration
	// Thresholds は通知する残り日数の閾値（降順）。
	Thresholds []int
}

// DefaultConfig はデフォルトのジョブ設定を返す。
func DefaultConfig() Config {
	return Config{
		Interval:   time.Hour,
		Thresholds: DefaultThresholds,
	}
}

// Job はドメイン期限通知の作成ジョブ。
type Job struct {
	domains       repository.DomainRepository
	notifications repository.NotificationRepository
	cache         CacheInvalidator
	recorder      Recorder
	logger        *slog.Logger
	config        Config
	now           func() time.Time
}

// NewJob はJobを生成する。cacheとrecorderはnilを許容する。
func NewJob(
	domains repository.DomainRepository,
	notifications repository.NotificationRepository,
	cache CacheInvalidator,
	recorder Recorder,
	logger *slog.Logger,
	config Config,
) *Job {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if len(config.Thresholds) == 0 {
		config.Thresholds = DefaultThresholds
	}
	return &Job{
		domains:       domains,
		notifications: notifications,
		cache:         cache,
		recorder:      recorder,
		logger:        logger,
		config:        config,
		now:           time.Now,
	}
}

// Start はジョブをティッカーで定期実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *Job) Start(ctx context.Context) {
	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	j.logger.Info("ドメイン期限通知ジョブを開始しました",
		slog.Duration("interval", j.config.Interval),
		slog.Any("thresholds", j.config.Thresholds),
	)

	// 起動直後に1回実行
	if _, err := j.RunOnce(ctx); err != nil {
		j.logger.Error("ドメイン期限通知ジョブの実行に失敗しました", slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("ドメイン期限通知ジョブを停止しました")
			return
		case <-ticker.C:
			if _, err := j.RunOnce(ctx); err != nil {
				j.logger.Error("ドメイン期限通知ジョブの実行に失敗しました", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce は1回のスキャンを実行し、新たに作成した通知数を返す。
// 個々のドメインの作成失敗はログに記録して処理を継続する。
func (j *Job) RunOnce(ctx context.Context) (int, error) {
	start := j.now()
	until := start.Add(time.Duration(j.config.Thresholds[0]+1) * 24 * time.Hour)

	domains, err := j.domains.ListExpiringAll(ctx, until)
	if err != nil {
		return 0, fmt.Errorf("期限間近ドメインの取得に失敗しました: %w", err)
	}

	created := 0
	for _, d := range domains {
		days := model.DaysUntil(d.ExpiryDate, start)
		threshold, ok := ThresholdFor(days, j.config.Thresholds)
		if !ok {
			continue
		}

		n := buildNotification(d, days, threshold)
		inserted, err := j.notifications.CreateDomainExpiry(ctx, n)
		if err != nil {
			j.logger.Error("ドメイン期限通知の作成に失敗しました",
				slog.String("domain_id", d.ID),
				slog.Int("days_remaining", threshold),
				slog.String("error", err.Error()),
			)
			continue
		}
		if inserted {
			created++
		}
	}

	if created > 0 && j.cache != nil {
		j.cache.InvalidateOnDataChange(ctx, "notifications", "INSERT")
	}
	j.recorder.RecordExpiryNotificationsCreated(created)

	j.logger.Info("ドメイン期限通知ジョブが完了しました",
		slog.Int("scanned", len(domains)),
		slog.Int("created", created),
		slog.Float64("duration_ms", float64(j.now().Sub(start).Milliseconds())),
	)
	return created, nil
}

// ThresholdFor は残り日数daysが下回った最小の閾値を返す。
// thresholdsは降順であること。最大の閾値より先の場合はfalseを返す。
// 期限切れ（daysが負）は最小の閾値として扱う。
func ThresholdFor(days int, thresholds []int) (int, bool) {
	if len(thresholds) == 0 || days > thresholds[0] {
		return 0, false
	}
	for i := len(thresholds) - 1; i >= 0; i-- {
		if days <= thresholds[i] {
			return thresholds[i], true
		}
	}
	return 0, false
}

// buildNotification はドメイン期限通知を組み立てる。
// 表示名は正規化したドメイン名を使い、正規化できない場合は登録名のままとする。
func buildNotification(d *model.Domain, days, threshold int) *model.Notification {
	name := d.Name
	if normalized, err := model.NormalizeDomainName(d.Name); err == nil {
		name = normalized
	}

	var title, content string
	switch {
	case days < 0:
		title = fmt.Sprintf("ドメイン「%s」の有効期限が切れています", name)
		content = fmt.Sprintf("%sに期限切れとなりました。更新手続きを行ってください。", d.ExpiryDate.UTC().Format("2006-01-02"))
	case days == 0:
		title = fmt.Sprintf("ドメイン「%s」の有効期限は本日です", name)
		content = "本日中に更新手続きを行ってください。"
	default:
		title = fmt.Sprintf("ドメイン「%s」の有効期限まであと%d日です", name, days)
		content = fmt.Sprintf("有効期限: %s", d.ExpiryDate.UTC().Format("2006-01-02"))
	}
	if registrable, err := model.RegistrableDomain(name); err == nil && registrable != name {
		content += fmt.Sprintf("（登録ドメイン: %s）", registrable)
	}

	link := "/domains/" + d.ID
	domainID := d.ID
	remaining := threshold
	return &model.Notification{
		UserID:        d.UserID,
		Type:          model.NotificationTypeDomainExpiry,
		Title:         title,
		Content:       content,
		Link:          &link,
		ProjectID:     d.ProjectID,
		DomainID:      &domainID,
		DaysRemaining: &remaining,
	}
}
