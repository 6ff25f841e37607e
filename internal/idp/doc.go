// Package idp はCognitoユーザープール相当のモックIDプロバイダーの内部実装を提供する。
//
// ホステッドUI（/login）でユーザーを認証し、OAuth2認可コードフローで
// RS256署名のIDトークンとアクセストークンを発行する。ゲートウェイからは
// トークンエンドポイント・userinfo・JWKSが呼ばれる。
//
// 主な機能:
//   - 認可エンドポイントとホステッドUIでのログイン
//   - 認可コードの発行と一回限りの交換
//   - userinfo、JWKS、OpenID Connectディスカバリ
//   - ログアウトと監査イベントの記録
package idp
