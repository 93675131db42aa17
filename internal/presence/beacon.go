package presence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/projecthub/internal/model"
	"github.com/hitoshi/projecthub/internal/repository"
)

// Beacon はオフライン遷移を配送保証なしで通知する。
// 配送に失敗してもプレゼンスの状態遷移には影響しない。
type Beacon interface {
	SendOffline(ctx context.Context, status model.PresenceStatus) error
}

// beaconPayload はビーコンで送信するプロフィール更新。
type beaconPayload struct {
	IsOnline bool      `json:"is_online"`
	LastSeen time.Time `json:"last_seen"`
}

// HTTPBeacon は設定されたURLへPATCHでオフライン状態を送信する。
type HTTPBeacon struct {
	httpClient *http.Client
	logger     *slog.Logger
	url        string
	apiKey     string
}

// NewHTTPBeacon はHTTPBeaconを生成する。httpClientがnilの場合は3秒タイムアウトのクライアントを使用する。
func NewHTTPBeacon(httpClient *http.Client, url, apiKey string, logger *slog.Logger) *HTTPBeacon {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 3 * time.Second}
	}
	return &HTTPBeacon{
		httpClient: httpClient,
		logger:     logger,
		url:        url,
		apiKey:     apiKey,
	}
}

// SendOffline はオフライン状態を送信する。
// 送信先には ?id=eq.<user id> のフィルタを付与する。
func (b *HTTPBeacon) SendOffline(ctx context.Context, status model.PresenceStatus) error {
	body, err := json.Marshal(beaconPayload{IsOnline: false, LastSeen: status.LastSeen})
	if err != nil {
		return fmt.Errorf("ビーコンのペイロード生成に失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, b.url+"?id=eq."+status.UserID, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ビーコンのリクエスト作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		req.Header.Set("apikey", b.apiKey)
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		b.logger.Warn("オフラインビーコンの送信に失敗しました",
			slog.String("user_id", status.UserID),
			slog.String("error", err.Error()),
		)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b.logger.Warn("オフラインビーコンがエラーステータスを返しました",
			slog.String("user_id", status.UserID),
			slog.Int("http_status", resp.StatusCode),
		)
		return fmt.Errorf("ビーコン送信先がステータス %d を返しました", resp.StatusCode)
	}
	return nil
}

// StoreBeacon はプロフィールリポジトリを直接更新するBeacon実装。
// BEACON_URLが未設定の場合に使用する。
type StoreBeacon struct {
	profiles repository.ProfileRepository
}

// NewStoreBeacon はStoreBeaconを生成する。
func NewStoreBeacon(profiles repository.ProfileRepository) *StoreBeacon {
	return &StoreBeacon{profiles: profiles}
}

// SendOffline はプロフィールをオフラインに更新する。
func (b *StoreBeacon) SendOffline(ctx context.Context, status model.PresenceStatus) error {
	return b.profiles.SetOnline(ctx, status.UserID, false, status.LastSeen)
}

var (
	_ Beacon = (*HTTPBeacon)(nil)
	_ Beacon = (*StoreBeacon)(nil)
)
