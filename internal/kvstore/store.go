// Package kvstore はキャッシュやローカル状態を保持する永続キーバリューストアを提供する。
// メモリ、Redis、PostgreSQLの3種類のバックエンドを同一インターフェースで扱う。
package kvstore

import (
	"context"
	"errors"
)

var (
	// ErrNotFound はキーが存在しない場合に返される。
	ErrNotFound = errors.New("kvstore: key not found")

	// ErrQuotaExceeded はストアの容量上限を超える書き込みで返される。
	ErrQuotaExceeded = errors.New("kvstore: quota exceeded")
)

// Store は文字列キーとバイト列値の永続ストアのインターフェース。
// Deleteは存在しないキーに対してもエラーを返さない（冪等）。
type Store interface {
	// Get は指定キーの値を返す。存在しない場合はErrNotFoundを返す。
	Get(ctx context.Context, key string) ([]byte, error)
	// Set は指定キーに値を書き込む。
	Set(ctx context.Context, key string, value []byte) error
	// Delete は指定キーを削除する。
	Delete(ctx context.Context, key string) error
	// Keys はprefixで始まる全てのキーを返す。
	Keys(ctx context.Context, prefix string) ([]string, error)
}
