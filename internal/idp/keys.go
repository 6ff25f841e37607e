package idp

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// LoadSigningKey はPEMファイルからトークン署名用のRSA秘密鍵を読み込む。
// pathが空の場合は2048bitの鍵を生成する。再起動のたびに鍵が変わるため開発用。
func LoadSigningKey(path string) (*rsa.PrivateKey, error) {
	if path == "" {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("署名鍵の生成に失敗: %w", err)
		}
		return key, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("署名鍵ファイルの読み込みに失敗: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("署名鍵の解釈に失敗: %w", err)
	}
	return key, nil
}

// keyID は公開鍵から決定的にkidを導出する。
func keyID(pub *rsa.PublicKey) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, x509.MarshalPKCS1PublicKey(pub)).String()
}
