// Package gateway はロードバランサーのOIDC認証アクションを再現する認証ゲートウェイを提供する。
//
// リスナールールに一致したリクエストのうち未認証のものはIdPのホステッドUIへリダイレクトし、
// コールバックで認可コードをトークンに交換してセッションを確立する。認証済みのリクエストは
// 署名済みのIDクレームヘッダー（X-Amzn-Oidc-*）を付与してターゲットグループへ転送する。
// クライアントが送った同名のヘッダーは転送前に必ず削除されるため、バックエンドは
// ゲートウェイ経由で届いたヘッダーだけを信頼できる。
package gateway
