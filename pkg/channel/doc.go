// Package channel は認証済みセッションに紐づくリアルタイムチャネルを管理する。
//
// Managerはセッションの状態を監視し、新しい認証済みセッションごとに
// WebSocketチャネルを1本だけ開く。セッションが認証済みでなくなった場合や
// Managerを閉じた場合は、明示的に切断してハンドルを解放する。
// ポーリングなど他のトランスポートへのフォールバックは行わない。
package channel
