// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// ロール付きJWT認証トークンの発行と検証、パニックリカバリ、
// CORS設定など、APIサーバーとクライアント画面で共通して使用するミドルウェアを含む。
package middleware
