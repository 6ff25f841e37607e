// Package config は環境変数から各サービスの設定を読み込む。
//
// caarlos0/env で構造体に展開し、go-playground/validator で検証する。
// 各サービスは固有のプレフィックス（GATEWAY_, IDP_, BACKEND_）を持つ。
package config

import (
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/go-playground/validator/v10"
)

// Gateway は認証ゲートウェイの設定。
type Gateway struct {
	// Port はリッスンポート。
	Port string `env:"PORT" envDefault:"8080" validate:"required,numeric"`
	// PublicURL はブラウザから見たゲートウェイのURL。コールバックURLの組み立てに使う。
	PublicURL string `env:"PUBLIC_URL" envDefault:"http://localhost:8080" validate:"required,url"`
	// RulesFile はリスナールールを記述したYAMLファイルのパス。空の場合は既定ルールのみ。
	RulesFile string `env:"RULES_FILE"`
	// OnUnauthenticated は既定ルールにおける未認証リクエストの扱い。
	OnUnauthenticated string `env:"ON_UNAUTHENTICATED" envDefault:"authenticate" validate:"oneof=authenticate deny allow"`

	// Targets はターゲットグループに登録するバックエンドのURL。
	Targets []string `env:"TARGETS" envSeparator:"," envDefault:"http://localhost:9000" validate:"required,min=1,dive,url"`
	// HealthCheck はターゲットのヘルスチェック設定。
	HealthCheck HealthCheck `envPrefix:"HEALTH_CHECK_"`

	// IdPURL はゲートウェイからIdPへ直接通信する際のURL（トークン交換・userinfo・JWKS）。
	IdPURL string `env:"IDP_URL" envDefault:"http://localhost:9090" validate:"required,url"`
	// IdPPublicURL はブラウザをリダイレクトする際のIdPのURL。空の場合はIdPURLを使う。
	IdPPublicURL string `env:"IDP_PUBLIC_URL" validate:"omitempty,url"`
	// IdPIssuer はIDトークンのissとして期待する値。空の場合はIdPURLを使う。
	IdPIssuer string `env:"IDP_ISSUER"`
	// ClientID はIdPに登録したアプリクライアントのID。
	ClientID string `env:"CLIENT_ID" validate:"required"`
	// ClientSecret はアプリクライアントのシークレット。
	ClientSecret string `env:"CLIENT_SECRET" validate:"required"`
	// Scope はIdPに要求するスコープ。
	// openidを含まない場合IdPはIDトークンを返さないため、読み込み時にエラーとする。
	Scope string `env:"SCOPE" envDefault:"openid email" validate:"openid_scope"`
	// LogoutURL はサインアウト後にIdPからリダイレクトされるURL。IdPにサインアウトURLとして登録しておく。
	// 空の場合はPublicURLのルートを使う。
	LogoutURL string `env:"LOGOUT_URL" validate:"omitempty,url"`

	// SessionCookieName はセッションCookie名のプレフィックス。
	SessionCookieName string `env:"SESSION_COOKIE_NAME" envDefault:"AWSELBAuthSessionCookie" validate:"required"`
	// SessionTimeout はセッションの有効期間。
	SessionTimeout time.Duration `env:"SESSION_TIMEOUT" envDefault:"168h" validate:"gt=0"`
	// SessionStore はセッションの保存先。
	SessionStore string `env:"SESSION_STORE" envDefault:"memory" validate:"oneof=memory redis"`
	// SessionCapacity はインメモリセッションストアの最大保持数。
	SessionCapacity int `env:"SESSION_CAPACITY" envDefault:"10000" validate:"gt=0"`
	// SecureCookie はCookieにSecure属性を付与するかどうか。
	SecureCookie bool `env:"SECURE_COOKIE" envDefault:"false"`
	// Redis はSessionStoreがredisの場合の接続設定。
	Redis Redis `envPrefix:"REDIS_"`

	// SigningKeyFile はクレームヘッダー署名用のEC秘密鍵（PEM）のパス。空の場合は起動時に生成する。
	SigningKeyFile string `env:"SIGNING_KEY_FILE"`
	// Signer はクレームヘッダーのsignerフィールドに設定する識別子。
	Signer string `env:"SIGNER" envDefault:"arn:aws:elasticloadbalancing:local:000000000000:loadbalancer/app/authgate/0"`
	// ClaimsTTL はクレームヘッダーの有効期間。
	ClaimsTTL time.Duration `env:"CLAIMS_TTL" envDefault:"2m" validate:"gt=0"`

	// LogLevel はログレベル。
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	// LogFormat はログ形式（json または console）。
	LogFormat string `env:"LOG_FORMAT" envDefault:"json" validate:"oneof=json console"`
}

// HealthCheck はターゲットグループのヘルスチェック設定。
type HealthCheck struct {
	// Path はヘルスチェックのリクエストパス。
	Path string `env:"PATH" envDefault:"/health" validate:"required,startswith=/"`
	// Interval はヘルスチェックの間隔。
	Interval time.Duration `env:"INTERVAL" envDefault:"10s" validate:"gt=0"`
	// Timeout は1回のヘルスチェックのタイムアウト。
	Timeout time.Duration `env:"TIMEOUT" envDefault:"5s" validate:"gt=0"`
	// HealthyThreshold は正常とみなすまでの連続成功回数。
	HealthyThreshold int `env:"HEALTHY_THRESHOLD" envDefault:"3" validate:"min=1"`
	// UnhealthyThreshold は異常とみなすまでの連続失敗回数。
	UnhealthyThreshold int `env:"UNHEALTHY_THRESHOLD" envDefault:"2" validate:"min=1"`
}

// Redis はRedisの接続設定。
type Redis struct {
	// Addr は host:port 形式のアドレス。
	Addr string `env:"ADDR" envDefault:"localhost:6379"`
	// Password は認証パスワード。
	Password string `env:"PASSWORD"`
	// DB はデータベース番号。
	DB int `env:"DB" envDefault:"0"`
	// KeyPrefix はキーのプレフィックス。
	KeyPrefix string `env:"KEY_PREFIX" envDefault:"authgate:session:"`
}

// IdP はモックIDプロバイダーの設定。
type IdP struct {
	// Port はリッスンポート。
	Port string `env:"PORT" envDefault:"9090" validate:"required,numeric"`
	// Issuer はトークンのissに設定する値。通常はブラウザから見たIdPのURL。
	Issuer string `env:"ISSUER" envDefault:"http://localhost:9090" validate:"required,url"`
	// DBPath はSQLiteデータベースのDSN。
	DBPath string `env:"DB_PATH" envDefault:"/data/idp.db?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)" validate:"required"`
	// SeedFile は起動時に投入するユーザー・クライアント定義（YAML）のパス。
	SeedFile string `env:"SEED_FILE"`
	// SigningKeyFile はトークン署名用のRSA秘密鍵（PEM）のパス。空の場合は起動時に生成する。
	SigningKeyFile string `env:"SIGNING_KEY_FILE"`
	// IDTokenTTL はIDトークンの有効期間。
	IDTokenTTL time.Duration `env:"ID_TOKEN_TTL" envDefault:"1h" validate:"gt=0"`
	// AccessTokenTTL はアクセストークンの有効期間。
	AccessTokenTTL time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"1h" validate:"gt=0"`
	// AuthCodeTTL は認可コードの有効期間。
	AuthCodeTTL time.Duration `env:"AUTH_CODE_TTL" envDefault:"5m" validate:"gt=0"`
	// SessionTTL はホステッドUIのログインセッションの有効期間。
	SessionTTL time.Duration `env:"SESSION_TTL" envDefault:"1h" validate:"gt=0"`
	// SecureCookie はIdPセッションCookieにSecure属性を付与するかどうか。
	SecureCookie bool `env:"SECURE_COOKIE" envDefault:"false"`
	// AdminToken は管理APIのBearerトークン。空の場合は管理APIを無効化する。
	AdminToken string `env:"ADMIN_TOKEN"`
	// AllowedOrigins はトークン・userinfoエンドポイントでCORSを許可するオリジン。
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`
	// LoginRatePerMinute はクライアントIPごとのログイン試行の上限（毎分）。
	LoginRatePerMinute int `env:"LOGIN_RATE_PER_MINUTE" envDefault:"10" validate:"min=1"`
	// LoginBurst はログイン試行のバースト数。
	LoginBurst int `env:"LOGIN_BURST" envDefault:"5" validate:"min=1"`
	// LogLevel はログレベル。
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	// LogFormat はログ形式（json または console）。
	LogFormat string `env:"LOG_FORMAT" envDefault:"json" validate:"oneof=json console"`
}

// Backend はヘッダーエコー用テストバックエンドの設定。
type Backend struct {
	// Port はリッスンポート。
	Port string `env:"PORT" envDefault:"9000" validate:"required,numeric"`
	// TrustedProxies はクレームヘッダーを信頼する送信元ネットワーク（CIDR）。
	TrustedProxies []string `env:"TRUSTED_PROXIES" envSeparator:"," envDefault:"127.0.0.1/32,::1/128,10.0.0.0/8,172.16.0.0/12,192.168.0.0/16" validate:"dive,cidr"`
	// RequireIdentity が有効な場合、信頼できるIDを持たないリクエストを401で拒否する。
	RequireIdentity bool `env:"REQUIRE_IDENTITY" envDefault:"false"`
	// VerifyClaims が有効な場合、クレームヘッダーの署名をゲートウェイ公開鍵で検証する。
	VerifyClaims bool `env:"VERIFY_CLAIMS" envDefault:"false"`
	// PublicKeysURL はゲートウェイ公開鍵エンドポイントのベースURL。
	PublicKeysURL string `env:"PUBLIC_KEYS_URL" envDefault:"http://localhost:8080/oauth2/public-keys" validate:"omitempty,url"`
	// ExpectedSigner はクレームヘッダーのsignerとして期待する値。空の場合は検証しない。
	ExpectedSigner string `env:"EXPECTED_SIGNER"`
	// ExpectedIssuer はクレームヘッダーのissとして期待するIdPのissuer。空の場合は検証しない。
	ExpectedIssuer string `env:"EXPECTED_ISSUER" validate:"omitempty,url"`
	// LogLevel はログレベル。
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	// LogFormat はログ形式（json または console）。
	LogFormat string `env:"LOG_FORMAT" envDefault:"json" validate:"oneof=json console"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("openid_scope", func(fl validator.FieldLevel) bool {
		return HasOpenIDScope(fl.Field().String())
	})
	return v
}

// HasOpenIDScope はスペース区切りのスコープにopenidが含まれるかを返す。
func HasOpenIDScope(scope string) bool {
	return slices.Contains(strings.Fields(scope), "openid")
}

// Load は指定プレフィックスの環境変数から設定を読み込み、検証する。
func Load[T any](prefix string) (*T, error) {
	var cfg T
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: prefix}); err != nil {
		return nil, fmt.Errorf("環境変数の解釈に失敗: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("設定値が不正です: %w", err)
	}
	return &cfg, nil
}

// LoadGateway はGATEWAY_プレフィックスの環境変数からゲートウェイ設定を読み込む。
// IdPの公開URLとissuerは未指定の場合IdPURLで補完する。
func LoadGateway() (*Gateway, error) {
	cfg, err := Load[Gateway]("GATEWAY_")
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults は他の項目から導出される既定値を埋める。
func (g *Gateway) applyDefaults() {
	if g.IdPPublicURL == "" {
		g.IdPPublicURL = g.IdPURL
	}
	if g.IdPIssuer == "" {
		g.IdPIssuer = g.IdPURL
	}
	if g.LogoutURL == "" {
		g.LogoutURL = strings.TrimSuffix(g.PublicURL, "/") + "/"
	}
}

// LoadIdP はIDP_プレフィックスの環境変数からIdP設定を読み込む。
func LoadIdP() (*IdP, error) {
	return Load[IdP]("IDP_")
}

// LoadBackend はBACKEND_プレフィックスの環境変数からバックエンド設定を読み込む。
func LoadBackend() (*Backend, error) {
	return Load[Backend]("BACKEND_")
}

// TrustedPrefixes はTrustedProxiesをnetip.Prefixに変換する。
func (b *Backend) TrustedPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(b.TrustedProxies))
	for _, raw := range b.TrustedProxies {
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("CIDRの解釈に失敗: %q: %w", raw, err)
		}
		prefixes = append(prefixes, p.Masked())
	}
	return prefixes, nil
}
