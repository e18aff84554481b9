// Package worker はバックグラウンド通知ワーカーを提供する。
//
// ワーカーはプロセスに1つだけ存在し、アプリケーションのウィンドウが
// 1つも開いていない間もプッシュ配信を受け取ってシステム通知を表示する。
// 通知がクリックされると、遷移先URLを表示中のウィンドウがあればそれを前面に出し、
// 無ければ新しいウィンドウで開く。
//
// 各イベントの非同期処理はExtendableEvent.WaitUntilで明示的に登録し、
// ホストは登録された処理がすべて完了するまでイベントを終了しない。
package worker
