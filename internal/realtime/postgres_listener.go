package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// Channel はテーブル変更トリガーがpg_notifyするチャネル名。
const Channel = "projecthub_changes"

const (
	minReconnectInterval = 1 * time.Second
	maxReconnectInterval = 1 * time.Minute
	pingInterval         = 90 * time.Second
)

// PostgresListener はPostgreSQLのLISTEN/NOTIFYでテーブル変更を受信し、Hubへ転送する。
// 接続断時はpq.Listenerが自動で再接続する。
type PostgresListener struct {
	dsn    string
	hub    *Hub
	logger *slog.Logger
}

// NewPostgresListener はPostgresListenerを生成する。
func NewPostgresListener(dsn string, hub *Hub, logger *slog.Logger) *PostgresListener {
	return &PostgresListener{dsn: dsn, hub: hub, logger: logger}
}

// Run はコンテキストがキャンセルされるまで通知を受信し続ける。
func (l *PostgresListener) Run(ctx context.Context) error {
	listener := pq.NewListener(l.dsn, minReconnectInterval, maxReconnectInterval, l.onEvent)
	defer listener.Close()

	if err := listener.Listen(Channel); err != nil {
		return fmt.Errorf("チャネル %s のLISTENに失敗: %w", Channel, err)
	}

	l.logger.Info("チェンジフィードの受信を開始しました", slog.String("channel", Channel))

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("チェンジフィードの受信を停止しました")
			return nil
		case n := <-listener.Notify:
			// 再接続直後はnilが届く。切断中の変更は失われている。
			if n == nil {
				l.logger.Warn("チェンジフィードが再接続されました")
				continue
			}
			l.dispatch(n.Extra)
		case <-ticker.C:
			if err := listener.Ping(); err != nil {
				l.logger.Warn("チェンジフィードの疎通確認に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func (l *PostgresListener) dispatch(payload string) {
	ev, err := ParsePayload(payload)
	if err != nil {
		l.logger.Warn("不正なチェンジイベントを破棄しました",
			slog.String("payload", payload),
			slog.String("error", err.Error()),
		)
		return
	}
	delivered := l.hub.Publish(ev)
	l.logger.Debug("チェンジイベントを配信しました",
		slog.String("table", ev.Table),
		slog.String("operation", string(ev.Operation)),
		slog.Int("subscribers", delivered),
	)
}

func (l *PostgresListener) onEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnectionAttemptFailed:
		l.logger.Warn("チェンジフィードの接続に失敗しました", slog.String("error", errString(err)))
	case pq.ListenerEventDisconnected:
		l.logger.Warn("チェンジフィードが切断されました", slog.String("error", errString(err)))
	case pq.ListenerEventReconnected:
		l.logger.Info("チェンジフィードに再接続しました")
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
