// Package httpclient はクライアントからバックエンドAPIへのHTTP通信を行うクライアントを提供する。
//
// 認証エンドポイントの呼び出しやプッシュメッセージの取得など、
// JSON形式のAPI呼び出しパターンを統一する。
package httpclient
