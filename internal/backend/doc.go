// Package backend はゲートウェイの背後に置くヘッダーエコー用テストバックエンドを提供する。
//
// 受け取ったリクエストのメソッド・パス・クエリ・ヘッダーをそのままJSONで返し、
// ゲートウェイが付与したクレームヘッダーから読み取ったIDを併せて返す。
// クレームヘッダーは信頼済みネットワークからの接続に限って解釈する。
// 既定では署名を検証せずにデコードし、検証モードではゲートウェイの公開鍵で署名を検証する。
package backend
