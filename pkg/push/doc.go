// Package push はサーバーからバックグラウンドワーカーへ届くプッシュメッセージの
// ペイロード形式を提供する。
//
// ペイロードは欠落や不正なJSONであっても有効な入力として扱い、
// 既定値で補完した上で通知を表示する。
package push
