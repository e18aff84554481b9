// Package session はクライアント側の認証状態をロール（管理者/顧客）ごとに管理する。
//
// Authorityは起動時に認証エンドポイントへ非同期で問い合わせ、
// 結果をLoadingからAuthenticatedまたはUnauthenticatedへの一度きりの遷移として保持する。
// 認証の失敗はエラーとして呼び出し側へ伝播せず、Unauthenticated状態として吸収する。
// 他のコンポーネントはSnapshotを読み取るだけで、状態を変更できるのはAuthorityのみ。
package session
