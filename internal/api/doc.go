// Package api はバックエンドAPIサーバーの内部実装を提供する。
//
// ロール別のトークン発行と認証確認、リアルタイムチャネル（WebSocket）の受け付け、
// 通知の保存と配信を行う。通知はユーザーのチャネルが開いていればチャネルで配信し、
// 開いていなければプッシュ配信の待ち行列に残してクライアントの取得を待つ。
package api
