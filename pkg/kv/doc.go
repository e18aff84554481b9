// Package kv はクライアントローカルの永続キーバリューストアを提供する。
//
// 設定値や認証トークンなど、小さな値をキー単位で保存する。
// バックエンドとしてメモリ、SQLiteファイル、Redisを選択できる。
package kv
