package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrNotFound はキーが存在しないことを表す。
var ErrNotFound = errors.New("キーが見つかりません")

// Store はキーバリューストアのインターフェース。
type Store interface {
	// Get はキーに対応する値を返す。存在しない場合はErrNotFoundを返す。
	Get(ctx context.Context, key string) ([]byte, error)
	// Set はキーに値を保存する。
	Set(ctx context.Context, key string, value []byte) error
	// Delete はキーを削除する。存在しない場合もエラーにしない。
	Delete(ctx context.Context, key string) error
	// Close はストアを閉じる。
	Close() error
}

// Open はDSNに応じたストアを開く。
//
//	memory://              メモリ
//	sqlite:///path/to/db   SQLiteファイル
//	redis://host:6379/0    Redis
func Open(ctx context.Context, dsn string) (Store, error) {
	switch {
	case dsn == "" || dsn == "memory://":
		return NewMemoryStore(), nil
	case strings.HasPrefix(dsn, "sqlite://"):
		return OpenSQLite(ctx, strings.TrimPrefix(dsn, "sqlite://"))
	case strings.HasPrefix(dsn, "redis://"), strings.HasPrefix(dsn, "rediss://"):
		return OpenRedis(ctx, dsn)
	default:
		return nil, fmt.Errorf("未対応のストアDSNです: %s", dsn)
	}
}

// MemoryStore はプロセス内メモリに値を保持するストア。
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore は空のMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Get はキーに対応する値のコピーを返す。
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Set はキーに値のコピーを保存する。
func (m *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = append([]byte(nil), value...)
	return nil
}

// Delete はキーを削除する。
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

// Close は何もしない。
func (m *MemoryStore) Close() error { return nil }
