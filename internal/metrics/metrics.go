// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/projecthub/internal/cache"
	"github.com/hitoshi/projecthub/internal/notification"
	"github.com/hitoshi/projecthub/internal/presence"
)

// Collector はPrometheusメトリクスを収集する実装。
// cache・notification・presenceの各Recorderを実装する。
type Collector struct {
	cacheHits          *prometheus.CounterVec
	cacheMisses        *prometheus.CounterVec
	cacheInvalidations *prometheus.CounterVec
	cacheWriteFailures *prometheus.CounterVec

	notificationReloads *prometheus.CounterVec
	notificationDropped *prometheus.CounterVec

	heartbeats          prometheus.Counter
	beaconFailures      prometheus.Counter
	presenceTransitions *prometheus.CounterVec

	expiryNotifications prometheus.Counter
	streamClients       prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "projecthub_cache_hits_total",
			Help: "キャッシュヒットの合計数",
		}, []string{"key"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "projecthub_cache_misses_total",
			Help: "キャッシュミスの合計数",
		}, []string{"key"}),
		cacheInvalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "projecthub_cache_invalidations_total",
			Help: "キャッシュ無効化の合計数",
		}, []string{"key"}),
		cacheWriteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "projecthub_cache_write_failures_total",
			Help: "キャッシュ書き込み失敗の合計数",
		}, []string{"key"}),
		notificationReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "projecthub_notification_reloads_total",
			Help: "通知センターの再読み込み回数",
		}, []string{"slice"}),
		notificationDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "projecthub_notification_dropped_events_total",
			Help: "保存中のため破棄された変更イベントの合計数",
		}, []string{"table"}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "projecthub_presence_heartbeats_total",
			Help: "プレゼンスのハートビート回数",
		}),
		beaconFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "projecthub_presence_beacon_failures_total",
			Help: "オフラインビーコン送信失敗の合計数",
		}),
		presenceTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "projecthub_presence_transitions_total",
			Help: "プレゼンス状態遷移の合計数",
		}, []string{"from", "to"}),
		expiryNotifications: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "projecthub_domain_expiry_notifications_total",
			Help: "作成されたドメイン期限通知の合計数",
		}),
		streamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "projecthub_notification_stream_clients",
			Help: "接続中の通知ストリームのクライアント数",
		}),
	}

	reg.MustRegister(
		c.cacheHits,
		c.cacheMisses,
		c.cacheInvalidations,
		c.cacheWriteFailures,
		c.notificationReloads,
		c.notificationDropped,
		c.heartbeats,
		c.beaconFailures,
		c.presenceTransitions,
		c.expiryNotifications,
		c.streamClients,
	)

	return c
}

// RecordCacheHit はキャッシュヒットを記録する。
func (c *Collector) RecordCacheHit(key string) {
	c.cacheHits.WithLabelValues(key).Inc()
}

// RecordCacheMiss はキャッシュミスを記録する。
func (c *Collector) RecordCacheMiss(key string) {
	c.cacheMisses.WithLabelValues(key).Inc()
}

// RecordCacheInvalidation はキャッシュ無効化を記録する。
func (c *Collector) RecordCacheInvalidation(key string) {
	c.cacheInvalidations.WithLabelValues(key).Inc()
}

// RecordCacheWriteFailure はキャッシュ書き込み失敗を記録する。
func (c *Collector) RecordCacheWriteFailure(key string) {
	c.cacheWriteFailures.WithLabelValues(key).Inc()
}

// RecordNotificationReload は通知センターのスライス再読み込みを記録する。
func (c *Collector) RecordNotificationReload(slice string) {
	c.notificationReloads.WithLabelValues(slice).Inc()
}

// RecordNotificationDropped は保存中に破棄された変更イベントを記録する。
func (c *Collector) RecordNotificationDropped(table string) {
	c.notificationDropped.WithLabelValues(table).Inc()
}

// RecordHeartbeat はハートビートを記録する。
func (c *Collector) RecordHeartbeat() {
	c.heartbeats.Inc()
}

// RecordBeaconFailure はビーコン送信失敗を記録する。
func (c *Collector) RecordBeaconFailure() {
	c.beaconFailures.Inc()
}

// RecordPresenceTransition はプレゼンス状態遷移を記録する。
func (c *Collector) RecordPresenceTransition(from, to string) {
	c.presenceTransitions.WithLabelValues(from, to).Inc()
}

// RecordExpiryNotificationsCreated は作成されたドメイン期限通知数を記録する。
func (c *Collector) RecordExpiryNotificationsCreated(count int) {
	c.expiryNotifications.Add(float64(count))
}

// StreamOpened は通知ストリームの接続を記録する。
func (c *Collector) StreamOpened() {
	c.streamClients.Inc()
}

// StreamClosed は通知ストリームの切断を記録する。
func (c *Collector) StreamClosed() {
	c.streamClients.Dec()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var (
	_ cache.Recorder        = (*Collector)(nil)
	_ notification.Recorder = (*Collector)(nil)
	_ presence.Recorder     = (*Collector)(nil)
)
