package presence

import (
	"context"
	"time"

	"github.com/hitoshi/projecthub/internal/model"
)

// RetryPolicy は一時的なエラーに対する指数バックオフの設定。
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy はプロフィール読み込み用のデフォルト設定を返す。
// 最大2回のリトライ、初回500ms、上限2秒。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   2 * time.Second,
	}
}

// Delay はattempt回目（0始まり）のリトライ前の待機時間を返す。
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Retry はfnを実行し、ErrorKindTransientのエラーの場合のみリトライする。
// それ以外のエラーは即座に返す。
func Retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil || !model.IsTransient(err) || attempt >= p.MaxRetries {
			return err
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
