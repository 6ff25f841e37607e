package idp

import (
	"context"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Seed はシードファイルの内容。起動時とCLIから投入する。
//
//	users:
//	  - username: alice
//	    email: alice@example.com
//	    email_verified: true
//	    password: Passw0rd!
//	clients:
//	  - id: authgate
//	    secret: gateway-secret
//	    callback_urls: [http://localhost:8080/oauth2/idpresponse]
//	    logout_urls: [http://localhost:8080/]
type Seed struct {
	Users   []UserInput   `yaml:"users" validate:"dive"`
	Clients []ClientInput `yaml:"clients" validate:"dive"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ParseSeed はYAMLを解釈して検証する。
func ParseSeed(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("シードファイルの解釈に失敗: %w", err)
	}
	if err := validate.Struct(&seed); err != nil {
		return nil, fmt.Errorf("シードファイルの内容が不正です: %w", err)
	}
	return &seed, nil
}

// LoadSeed はシードファイルを読み込む。
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("シードファイルの読み込みに失敗: %w", err)
	}
	return ParseSeed(data)
}

// ApplySeed はシードのユーザーとクライアントを登録する。既存のものは上書きする。
func (s *Store) ApplySeed(ctx context.Context, seed *Seed) error {
	for _, c := range seed.Clients {
		if _, err := s.PutClient(ctx, c); err != nil {
			return fmt.Errorf("クライアント %q の投入に失敗: %w", c.ID, err)
		}
	}
	for _, u := range seed.Users {
		if _, err := s.PutUser(ctx, u); err != nil {
			return fmt.Errorf("ユーザー %q の投入に失敗: %w", u.Username, err)
		}
	}
	return nil
}
