package oidcdata

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/golang-jwt/jwt/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nao1215/authgate/pkg/httpclient"
)

// KeySource はkidから検証用の公開鍵を解決する。
type KeySource interface {
	PublicKey(ctx context.Context, kid string) (*ecdsa.PublicKey, error)
}

// StaticKeys は固定の公開鍵集合。テストやゲートウェイ自身の検証に使う。
type StaticKeys map[string]*ecdsa.PublicKey

// PublicKey はKeySourceを実装する。
func (k StaticKeys) PublicKey(_ context.Context, kid string) (*ecdsa.PublicKey, error) {
	key, ok := k[kid]
	if !ok {
		return nil, fmt.Errorf("%w: kid=%s", ErrUnknownKey, kid)
	}
	return key, nil
}

// kidPattern は公開鍵エンドポイントのパスに埋め込めるkidの形式。
var kidPattern = regexp.MustCompile(`^[A-Za-z0-9-]{1,64}$`)

// RemoteKeys はゲートウェイの公開鍵エンドポイント（{base}/{kid}）から公開鍵を取得する。
// 鍵はkidごとに不変なので取得結果をLRUにキャッシュする。
type RemoteKeys struct {
	client *httpclient.Client
	cache  *lru.Cache[string, *ecdsa.PublicKey]
}

// NewRemoteKeys は新しいRemoteKeysを生成する。
func NewRemoteKeys(client *httpclient.Client, size int) (*RemoteKeys, error) {
	cache, err := lru.New[string, *ecdsa.PublicKey](size)
	if err != nil {
		return nil, fmt.Errorf("公開鍵キャッシュの生成に失敗: %w", err)
	}
	return &RemoteKeys{client: client, cache: cache}, nil
}

// PublicKey はKeySourceを実装する。
func (r *RemoteKeys) PublicKey(ctx context.Context, kid string) (*ecdsa.PublicKey, error) {
	if !kidPattern.MatchString(kid) {
		return nil, fmt.Errorf("%w: 不正なkid", ErrUnknownKey)
	}
	if key, ok := r.cache.Get(kid); ok {
		return key, nil
	}

	body, err := r.client.GetRaw(ctx, "/"+kid)
	if err != nil {
		var se *httpclient.StatusError
		if errors.As(err, &se) && se.StatusCode == 404 {
			return nil, fmt.Errorf("%w: kid=%s", ErrUnknownKey, kid)
		}
		return nil, fmt.Errorf("公開鍵の取得に失敗: %w", err)
	}

	key, err := jwt.ParseECPublicKeyFromPEM(body)
	if err != nil {
		return nil, fmt.Errorf("公開鍵の解釈に失敗: %w", err)
	}
	r.cache.Add(kid, key)
	return key, nil
}

// VerifierOptions はVerifierの設定。
type VerifierOptions struct {
	// Signer が空でない場合、JWTヘッダーのsignerと一致することを要求する。
	Signer string
	// Issuer が空でない場合、issと一致することを要求する。
	Issuer string
	// Leeway は有効期限判定の許容誤差。
	Leeway time.Duration
}

// Verifier はクレームヘッダーの署名と有効期限を検証する。
type Verifier struct {
	keys KeySource
	opts VerifierOptions
	now  func() time.Time
}

// NewVerifier は新しいVerifierを生成する。
func NewVerifier(keys KeySource, opts VerifierOptions) *Verifier {
	return &Verifier{keys: keys, opts: opts, now: time.Now}
}

// Verify はヘッダー値を検証してクレームを返す。
// 失敗した場合は必ずErrInvalidTokenをラップしたエラーを返す。
func (v *Verifier) Verify(ctx context.Context, raw string) (*Claims, error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		// ロードバランサーはbase64urlのパディングを付けたまま送るため許容する。
		jwt.WithPaddingAllowed(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
		jwt.WithLeeway(v.opts.Leeway),
	}
	if v.opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.opts.Issuer))
	}

	claims := &Claims{}
	_, err := jwt.NewParser(parserOpts...).ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if v.opts.Signer != "" {
			if signer, _ := t.Header["signer"].(string); signer != v.opts.Signer {
				return nil, fmt.Errorf("signerが一致しません: %q", signer)
			}
		}
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("kidがありません")
		}
		return v.keys.PublicKey(ctx, kid)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

// Decode は署名を検証せずにクレームを取り出す。
// ネットワーク経路のみでゲートウェイを信頼するバックエンド向け。有効期限は確認する。
func Decode(raw string, now time.Time) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser(jwt.WithPaddingAllowed()).ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.ExpiresAt == nil || !now.Before(claims.ExpiresAt.Time) {
		return nil, fmt.Errorf("%w: 有効期限切れ", ErrInvalidToken)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: subがありません", ErrInvalidToken)
	}
	return claims, nil
}
