// Package preference はクライアントの表示設定（通知音のオン/オフ）を永続化する。
package preference

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nao1215/haisou/pkg/kv"
	"github.com/sirupsen/logrus"
)

// Key は設定レコードを保存する固定キー。
const Key = "haisou.preferences"

// Preference はクライアントの設定値。
type Preference struct {
	// IsSoundEnabled は通知受信時に音を鳴らすかどうか。
	IsSoundEnabled bool `json:"isSoundEnabled"`
}

// Default は設定が無い、または壊れている場合に使用する設定値を返す。
func Default() Preference {
	return Preference{IsSoundEnabled: true}
}

// Update は設定の部分更新を表す。nilのフィールドは変更しない。
type Update struct {
	IsSoundEnabled *bool `json:"isSoundEnabled,omitempty"`
}

// Store は設定値をメモリに保持し、変更時にkv.Storeへ書き戻す。
type Store struct {
	mu      sync.Mutex
	backend kv.Store
	current Preference
}

// Load はbackendから設定を読み込んだStoreを返す。
// 読み込みに失敗した場合は既定値で初期化し、エラーにはしない。
func Load(ctx context.Context, backend kv.Store) *Store {
	return &Store{
		backend: backend,
		current: read(ctx, backend),
	}
}

// read は保存済みの設定を読む。キーが無い、またはパースできない場合は既定値を返す。
// nullや欠落したフィールドも既定値のままになる。
func read(ctx context.Context, backend kv.Store) Preference {
	data, err := backend.Get(ctx, Key)
	if err != nil {
		return Default()
	}

	p := Default()
	if err := json.Unmarshal(data, &p); err != nil {
		logrus.WithError(err).Warn("保存済みの設定が壊れているため既定値を使用します")
		return Default()
	}
	return p
}

// Get は現在の設定値を返す。
func (s *Store) Get() Preference {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Set は部分更新を現在の設定にマージし、値が変わった場合のみ全体を保存する。
// 保存に失敗した場合もメモリ上の値は更新済みのまま残る。
func (s *Store) Set(ctx context.Context, u Update) (Preference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := s.current
	if u.IsSoundEnabled != nil {
		merged.IsSoundEnabled = *u.IsSoundEnabled
	}
	if merged == s.current {
		return merged, nil
	}
	s.current = merged

	data, err := json.Marshal(merged)
	if err != nil {
		return merged, fmt.Errorf("設定のシリアライズに失敗: %w", err)
	}
	if err := s.backend.Set(ctx, Key, data); err != nil {
		return merged, fmt.Errorf("設定の保存に失敗: %w", err)
	}
	return merged, nil
}

// Bool はbool値へのポインタを返す。Updateの組み立てに使用する。
func Bool(v bool) *bool {
	return &v
}
