package kvstore

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore はプロセス内メモリのStore実装。
// 開発環境とテストで使用する。quotaBytesが正の場合は値の合計サイズを制限する。
type MemoryStore struct {
	mu         sync.RWMutex
	data       map[string][]byte
	size       int
	quotaBytes int
}

// NewMemoryStore はMemoryStoreを生成する。quotaBytesが0以下の場合は無制限。
func NewMemoryStore(quotaBytes int) *MemoryStore {
	return &MemoryStore{
		data:       make(map[string][]byte),
		quotaBytes: quotaBytes,
	}
}

// Get は指定キーの値のコピーを返す。
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	buf := make([]byte, len(v))
	copy(buf, v)
	return buf, nil
}

// Set は値を書き込む。容量上限を超える場合はErrQuotaExceededを返し、既存値は変更しない。
func (s *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	newSize := s.size - len(s.data[key]) + len(value)
	if s.quotaBytes > 0 && newSize > s.quotaBytes {
		return ErrQuotaExceeded
	}

	buf := make([]byte, len(value))
	copy(buf, value)
	s.data[key] = buf
	s.size = newSize
	return nil
}

// Delete は指定キーを削除する。
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.data[key]; ok {
		s.size -= len(v)
		delete(s.data, key)
	}
	return nil
}

// Keys はprefixで始まるキーを辞書順で返す。
func (s *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Size は現在保持している値の合計バイト数を返す。
func (s *MemoryStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

var _ Store = (*MemoryStore)(nil)
