package oidcdata

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SignerOptions はSignerの設定。
type SignerOptions struct {
	// Signer はJWTヘッダーのsignerに設定するロードバランサーの識別子。
	Signer string
	// Issuer はIdPのissuer。JWTヘッダーとペイロードのissに設定する。
	Issuer string
	// ClientID はIdPのアプリクライアントID。JWTヘッダーのclientに設定する。
	ClientID string
	// TTL はヘッダーの有効期間。
	TTL time.Duration
}

// Signer はクレームヘッダーをES256で署名する。
type Signer struct {
	key  *ecdsa.PrivateKey
	kid  string
	opts SignerOptions
	now  func() time.Time
}

// NewSigner は新しいSignerを生成する。kidは公開鍵から決定的に導出する。
func NewSigner(key *ecdsa.PrivateKey, opts SignerOptions) (*Signer, error) {
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("公開鍵のエンコードに失敗: %w", err)
	}
	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Minute
	}
	return &Signer{
		key:  key,
		kid:  uuid.NewSHA1(uuid.NameSpaceOID, der).String(),
		opts: opts,
		now:  time.Now,
	}, nil
}

// KeyID は署名に使用する鍵のkidを返す。
func (s *Signer) KeyID() string {
	return s.kid
}

// PublicKey は署名鍵の公開鍵を返す。
func (s *Signer) PublicKey() *ecdsa.PublicKey {
	return &s.key.PublicKey
}

// PublicKeyPEM は公開鍵をPEM形式で返す。公開鍵エンドポイントのレスポンスに使う。
func (s *Signer) PublicKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(&s.key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("公開鍵のエンコードに失敗: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// Sign はクレームに署名してヘッダー値を返す。
// 有効期限はTTLとnotAfter（セッションの期限）の早い方になる。
func (s *Signer) Sign(claims Claims, notAfter time.Time) (string, error) {
	now := s.now()
	exp := now.Add(s.opts.TTL)
	if !notAfter.IsZero() && notAfter.Before(exp) {
		exp = notAfter
	}

	claims.Issuer = s.opts.Issuer
	claims.ExpiresAt = jwt.NewNumericDate(exp)

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = s.kid
	token.Header["signer"] = s.opts.Signer
	token.Header["iss"] = s.opts.Issuer
	token.Header["client"] = s.opts.ClientID
	token.Header["exp"] = exp.Unix()

	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("クレームヘッダーの署名に失敗: %w", err)
	}
	return signed, nil
}

// GenerateKey はP-256の署名鍵を生成する。
func GenerateKey() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("署名鍵の生成に失敗: %w", err)
	}
	return key, nil
}

// LoadKey はPEMファイルからEC秘密鍵を読み込む。pathが空の場合は新しい鍵を生成する。
func LoadKey(path string) (*ecdsa.PrivateKey, error) {
	if path == "" {
		return GenerateKey()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("署名鍵ファイルの読み込みに失敗: %w", err)
	}
	key, err := jwt.ParseECPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("署名鍵の解釈に失敗: %w", err)
	}
	return key, nil
}
