// Package surface はクライアントデーモンの画面（HTTP）を提供する。
//
// 各画面はroutegateのゲートを通して公開する。ログイン画面は未認証の間だけ、
// 注文画面や管理画面は認証済みの間だけ表示し、認証確認中はプレースホルダーを返す。
// リアルタイムチャネルで受信したイベントは画面のフィードに積み、
// 通知音が有効であれば端末のベルを鳴らす。
package surface
