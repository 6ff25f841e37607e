// Package jwks はRSA公開鍵のJWK Set表現と、リモートJWKSの取得・キャッシュを提供する。
//
// IdPは自身の署名鍵をJWKSとして公開し、ゲートウェイはIDトークン検証時に
// Fetcherを通してkidに対応する公開鍵を解決する。
package jwks

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/nao1215/authgate/pkg/httpclient"
)

// ErrKeyNotFound はkidに対応する鍵がJWKSに存在しないことを表す。
var ErrKeyNotFound = errors.New("JWKSに鍵が見つかりません")

// Key はRFC 7517のJWK（RSA公開鍵のみ）。
type Key struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use,omitempty"`
	Alg string `json:"alg,omitempty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// Set はJWK Set。
type Set struct {
	Keys []Key `json:"keys"`
}

// FromRSA はRSA公開鍵を署名用JWKに変換する。
func FromRSA(kid string, pub *rsa.PublicKey) Key {
	return Key{
		Kty: "RSA",
		Kid: kid,
		Use: "sig",
		Alg: "RS256",
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

// RSAPublicKey はJWKをRSA公開鍵に変換する。
func (k Key) RSAPublicKey() (*rsa.PublicKey, error) {
	if k.Kty != "RSA" {
		return nil, fmt.Errorf("未対応の鍵種別: %q", k.Kty)
	}
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("nのデコードに失敗: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("eのデコードに失敗: %w", err)
	}
	exp := new(big.Int).SetBytes(e)
	if !exp.IsInt64() || exp.Int64() < 3 {
		return nil, errors.New("eが不正です")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(exp.Int64())}, nil
}

// Lookup はkidに一致する鍵を返す。
func (s Set) Lookup(kid string) (Key, bool) {
	for _, k := range s.Keys {
		if k.Kid == kid {
			return k, true
		}
	}
	return Key{}, false
}

// Fetcher はリモートのJWKSを取得し、公開鍵をTTL付きでキャッシュする。
// 未知のkidを受け取った場合はJWKSを取り直すので、IdP側の鍵ローテーションに追従する。
type Fetcher struct {
	client *httpclient.Client
	path   string
	cache  *expirable.LRU[string, *rsa.PublicKey]
	// mu はJWKSの同時取得を1本にまとめるためのロック。
	mu sync.Mutex
}

// NewFetcher は新しいFetcherを生成する。pathはclientのベースURLからの相対パス。
func NewFetcher(client *httpclient.Client, path string, ttl time.Duration) *Fetcher {
	return &Fetcher{
		client: client,
		path:   path,
		cache:  expirable.NewLRU[string, *rsa.PublicKey](64, nil, ttl),
	}
}

// PublicKey はkidに対応するRSA公開鍵を返す。
func (f *Fetcher) PublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if key, ok := f.cache.Get(kid); ok {
		return key, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	// ロック待ちの間に別のgoroutineが取得済みの場合がある
	if key, ok := f.cache.Get(kid); ok {
		return key, nil
	}

	var set Set
	if err := f.client.GetJSON(ctx, f.path, &set); err != nil {
		return nil, fmt.Errorf("JWKSの取得に失敗: %w", err)
	}
	for _, k := range set.Keys {
		pub, err := k.RSAPublicKey()
		if err != nil {
			continue
		}
		f.cache.Add(k.Kid, pub)
	}

	key, ok := f.cache.Get(kid)
	if !ok {
		return nil, fmt.Errorf("%w: kid=%s", ErrKeyNotFound, kid)
	}
	return key, nil
}
