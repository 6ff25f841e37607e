package idp

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/nao1215/authgate/pkg/jwks"
)

// token_use クレームの値。
const (
	tokenUseID     = "id"
	tokenUseAccess = "access"
)

// IDClaims はIDトークンのクレーム。
type IDClaims struct {
	jwt.RegisteredClaims
	TokenUse      string `json:"token_use"`
	Nonce         string `json:"nonce,omitempty"`
	AuthTime      int64  `json:"auth_time"`
	Username      string `json:"cognito:username"`
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified,omitempty"`
}

// AccessClaims はアクセストークンのクレーム。
type AccessClaims struct {
	jwt.RegisteredClaims
	TokenUse string `json:"token_use"`
	Scope    string `json:"scope"`
	ClientID string `json:"client_id"`
	Username string `json:"username"`
	AuthTime int64  `json:"auth_time"`
}

// Scopes はスコープを空白で分割して返す。
func (c *AccessClaims) Scopes() []string {
	return strings.Fields(c.Scope)
}

// TokenIssuer はIDトークンとアクセストークンをRS256で発行・検証する。
type TokenIssuer struct {
	key       *rsa.PrivateKey
	kid       string
	issuer    string
	idTTL     time.Duration
	accessTTL time.Duration
	now       func() time.Time
}

// NewTokenIssuer は新しいTokenIssuerを生成する。
func NewTokenIssuer(key *rsa.PrivateKey, issuer string, idTTL, accessTTL time.Duration) *TokenIssuer {
	return &TokenIssuer{
		key:       key,
		kid:       keyID(&key.PublicKey),
		issuer:    issuer,
		idTTL:     idTTL,
		accessTTL: accessTTL,
		now:       time.Now,
	}
}

// KeyID は署名鍵のkidを返す。
func (t *TokenIssuer) KeyID() string {
	return t.kid
}

// AccessTokenTTL はアクセストークンの有効期間を返す。
func (t *TokenIssuer) AccessTokenTTL() time.Duration {
	return t.accessTTL
}

// JWKS は署名鍵の公開鍵をJWK Setとして返す。
func (t *TokenIssuer) JWKS() jwks.Set {
	return jwks.Set{Keys: []jwks.Key{jwks.FromRSA(t.kid, &t.key.PublicKey)}}
}

func (t *TokenIssuer) sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = t.kid
	signed, err := token.SignedString(t.key)
	if err != nil {
		return "", fmt.Errorf("トークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// IssueIDToken はクライアント向けのIDトークンを発行する。
func (t *TokenIssuer) IssueIDToken(u *User, clientID, nonce string, authTime time.Time, withEmail bool) (string, error) {
	now := t.now()
	claims := IDClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   u.Sub,
			Audience:  jwt.ClaimStrings{clientID},
			ExpiresAt: jwt.NewNumericDate(now.Add(t.idTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		TokenUse: tokenUseID,
		Nonce:    nonce,
		AuthTime: authTime.Unix(),
		Username: u.Username,
	}
	if withEmail {
		claims.Email = u.Email
		claims.EmailVerified = u.EmailVerified
	}
	return t.sign(claims)
}

// IssueAccessToken はuserinfoエンドポイント用のアクセストークンを発行する。
func (t *TokenIssuer) IssueAccessToken(u *User, clientID, scope string, authTime time.Time) (string, error) {
	now := t.now()
	return t.sign(AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   u.Sub,
			ExpiresAt: jwt.NewNumericDate(now.Add(t.accessTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		TokenUse: tokenUseAccess,
		Scope:    scope,
		ClientID: clientID,
		Username: u.Username,
		AuthTime: authTime.Unix(),
	})
}

// ParseAccessToken はアクセストークンの署名・issuer・有効期限・token_useを検証する。
func (t *TokenIssuer) ParseAccessToken(raw string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	_, err := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	).ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		if kid, _ := token.Header["kid"].(string); kid != t.kid {
			return nil, fmt.Errorf("未知のkid: %q", kid)
		}
		return &t.key.PublicKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("アクセストークンが無効です: %w", err)
	}
	if claims.TokenUse != tokenUseAccess {
		return nil, errors.New("アクセストークンではありません")
	}
	return claims, nil
}

// hasScope はスペース区切りのスコープ文字列にscopeが含まれるかを返す。
func hasScope(scopes, scope string) bool {
	return slices.Contains(strings.Fields(scopes), scope)
}
