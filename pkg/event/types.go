package event

import (
	"encoding/json"
	"time"
)

// Type はリアルタイムチャネルで配信されるイベントの種類を表す。
type Type string

const (
	// TypeNotification はユーザー向けの通知を表す。データはpush.Payload。
	TypeNotification Type = "Notification"
	// TypeOrderUpdated は注文の状態が更新されたことを表す。
	TypeOrderUpdated Type = "OrderUpdated"
	// TypeAlert は管理者向けの警告を表す。
	TypeAlert Type = "Alert"
	// TypePing はチャネルの死活監視用メッセージを表す。
	TypePing Type = "Ping"
)

// Envelope はリアルタイムチャネル上を流れるメッセージの共通形式。
// サーバーとクライアントの双方向で同じ形式を使用する。
type Envelope struct {
	// ID はイベントの一意識別子（UUID）。
	ID string `json:"id"`
	// Type はイベントの種類。
	Type Type `json:"type"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data,omitempty"`
	// CreatedAt はイベントが作成された日時。
	CreatedAt time.Time `json:"created_at"`
}

// OrderUpdatedData はOrderUpdatedイベントのデータ。
type OrderUpdatedData struct {
	// OrderID は注文の識別子。
	OrderID string `json:"order_id"`
	// Status は更新後の注文ステータス。
	Status string `json:"status"`
}

// AlertData はAlertイベントのデータ。
type AlertData struct {
	// Level は警告レベル（info, warning, critical）。
	Level string `json:"level"`
	// Message は警告メッセージ。
	Message string `json:"message"`
}
