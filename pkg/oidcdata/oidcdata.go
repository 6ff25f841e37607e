// Package oidcdata はゲートウェイがバックエンドに転送するIDクレームヘッダーを扱う。
//
// ヘッダー形式はロードバランサーのOIDC認証アクションに合わせている。
// X-Amzn-Oidc-Data にはES256で署名したJWTを格納し、JWTヘッダーには
// kid・signer・iss・client・exp を含める。バックエンドはkidに対応する公開鍵を
// ゲートウェイの公開鍵エンドポイントから取得して署名を検証できる。
package oidcdata

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// HeaderData は署名済みクレームを運ぶヘッダー名。
	HeaderData = "X-Amzn-Oidc-Data"
	// HeaderAccessToken はIdPが発行したアクセストークンを運ぶヘッダー名。
	HeaderAccessToken = "X-Amzn-Oidc-Accesstoken"
	// HeaderIdentity はユーザーのsubjectを運ぶヘッダー名。
	HeaderIdentity = "X-Amzn-Oidc-Identity"
)

// Headers はゲートウェイが付与するIDヘッダーの一覧。
// クライアントから届いた同名ヘッダーは転送前に必ず削除する。
var Headers = []string{HeaderData, HeaderAccessToken, HeaderIdentity}

var (
	// ErrInvalidToken はクレームヘッダーの形式・署名・有効期限のいずれかが不正であることを表す。
	ErrInvalidToken = errors.New("クレームヘッダーが無効です")
	// ErrUnknownKey はkidに対応する公開鍵が見つからないことを表す。
	ErrUnknownKey = errors.New("公開鍵が見つかりません")
)

// Claims はクレームヘッダーのペイロード。IdPのuserinfoレスポンスをそのまま運ぶ。
type Claims struct {
	jwt.RegisteredClaims
	// Email はユーザーのメールアドレス。
	Email string `json:"email,omitempty"`
	// EmailVerified はメールアドレスが検証済みかどうか。
	EmailVerified bool `json:"email_verified,omitempty"`
	// Username はユーザープール内のユーザー名。
	Username string `json:"username,omitempty"`
}
