// Package httpclient はサービス間のHTTP通信を行うクライアントを提供する。
//
// ゲートウェイがIdPのトークンエンドポイント・userinfo・JWKSを呼び出す際や、
// バックエンドがゲートウェイの公開鍵エンドポイントを参照する際に使用する。
// GETは冪等なので一時的な失敗を指数バックオフでリトライする。
package httpclient
