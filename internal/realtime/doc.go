// Package realtime はバックエンドAPIのWebSocketハブを提供する。
//
// 認証済みユーザーごとに開いているWebSocket接続を管理し、
// イベントをユーザー単位で配信する。接続ごとに送信キューと書き込みゴルーチンを持つ。
package realtime
