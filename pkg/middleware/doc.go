// Package middleware はGinベースのHTTPサーバーで使用する共通ミドルウェアを提供する。
//
// ゲートウェイが付与したIDクレームヘッダーの検証、構造化リクエストログ、
// パニックリカバリ、クライアントIP単位のレート制限、CORS設定を含む。
package middleware
