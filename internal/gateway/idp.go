package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nao1215/authgate/pkg/httpclient"
	"github.com/nao1215/authgate/pkg/jwks"
)

// jwksCacheTTL はIdPの公開鍵をキャッシュする期間。
const jwksCacheTTL = time.Hour

// tokenSet はIdPのトークンエンドポイントのレスポンス。
type tokenSet struct {
	IDToken     string `json:"id_token"`
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// idTokenClaims はIdPが発行するIDトークンのクレーム。
type idTokenClaims struct {
	jwt.RegisteredClaims
	TokenUse string `json:"token_use"`
	Nonce    string `json:"nonce"`
	Username string `json:"cognito:username"`
}

// flexBool はtrue/falseと"true"/"false"のどちらのJSON表現も受け付ける。
type flexBool bool

// UnmarshalJSON はjson.Unmarshalerを実装する。
func (b *flexBool) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := strconv.ParseBool(s)
		if err != nil {
			return fmt.Errorf("真偽値として解釈できません: %q", s)
		}
		*b = flexBool(v)
		return nil
	}
	var v bool
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*b = flexBool(v)
	return nil
}

// userInfo はIdPのuserinfoエンドポイントのレスポンス。
type userInfo struct {
	Sub           string   `json:"sub"`
	Username      string   `json:"username"`
	Email         string   `json:"email"`
	EmailVerified flexBool `json:"email_verified"`
}

// IdPClient はIdPとのバックチャネル通信を行う。
type IdPClient struct {
	http        *httpclient.Client
	keys        *jwks.Fetcher
	clientID    string
	secret      string
	issuer      string
	redirectURI string
	now         func() time.Time
}

// IdPClientOptions はIdPClientの設定。
type IdPClientOptions struct {
	// BaseURL はゲートウェイから到達できるIdPのURL。
	BaseURL      string
	Issuer       string
	ClientID     string
	ClientSecret string
	// RedirectURI は認可リクエストとトークン交換で使うコールバックURL。
	RedirectURI string
}

// NewIdPClient は新しいIdPClientを生成する。
func NewIdPClient(opts IdPClientOptions) *IdPClient {
	client := httpclient.New(opts.BaseURL, httpclient.WithTimeout(10*time.Second))
	return &IdPClient{
		http:        client,
		keys:        jwks.NewFetcher(client, "/.well-known/jwks.json", jwksCacheTTL),
		clientID:    opts.ClientID,
		secret:      opts.ClientSecret,
		issuer:      opts.Issuer,
		redirectURI: opts.RedirectURI,
		now:         time.Now,
	}
}

// Exchange は認可コードをトークンに交換する。クライアント認証はclient_secret_basicで行う。
func (i *IdPClient) Exchange(ctx context.Context, code string) (*tokenSet, error) {
	if code == "" {
		return nil, errors.New("認可コードがありません")
	}
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {i.redirectURI},
		"client_id":    {i.clientID},
	}
	var tokens tokenSet
	if err := i.http.PostForm(ctx, "/oauth2/token", form, &tokens, httpclient.WithBasicAuth(i.clientID, i.secret)); err != nil {
		return nil, fmt.Errorf("トークン交換に失敗: %w", err)
	}
	if tokens.IDToken == "" || tokens.AccessToken == "" {
		return nil, errors.New("トークンレスポンスにid_tokenまたはaccess_tokenがありません")
	}
	return &tokens, nil
}

// VerifyIDToken はIDトークンの署名・issuer・audience・有効期限・nonce・token_useを検証する。
func (i *IdPClient) VerifyIDToken(ctx context.Context, raw, nonce string) (*idTokenClaims, error) {
	claims := &idTokenClaims{}
	_, err := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithAudience(i.clientID),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	).ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("kidがありません")
		}
		return i.keys.PublicKey(ctx, kid)
	})
	if err != nil {
		return nil, fmt.Errorf("IDトークンの検証に失敗: %w", err)
	}
	if claims.TokenUse != "id" {
		return nil, fmt.Errorf("token_useが不正です: %q", claims.TokenUse)
	}
	if claims.Nonce != nonce {
		return nil, errors.New("nonceが一致しません")
	}
	if claims.Subject == "" {
		return nil, errors.New("subがありません")
	}
	return claims, nil
}

// UserInfo はアクセストークンでユーザー属性を取得する。
func (i *IdPClient) UserInfo(ctx context.Context, accessToken string) (*userInfo, error) {
	var info userInfo
	if err := i.http.GetJSON(ctx, "/oauth2/userInfo", &info, httpclient.WithBearer(accessToken)); err != nil {
		return nil, fmt.Errorf("userinfoの取得に失敗: %w", err)
	}
	return &info, nil
}
