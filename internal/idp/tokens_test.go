package idp

import (
	"crypto/rand"
	"crypto/rsa"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// testKey はテスト全体で共有するRSA鍵。生成コストが高いため1度だけ生成する。
var testKey = sync.OnceValue(func() *rsa.PrivateKey {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return key
})

func newTestIssuer() *TokenIssuer {
	return NewTokenIssuer(testKey(), "http://idp.test", time.Hour, time.Hour)
}

var testUser = &User{Sub: "sub-alice", Username: "alice", Email: "alice@example.com", EmailVerified: true, Enabled: true}

// TestIssueIDToken はIDトークンのクレームを検証する。
func TestIssueIDToken(t *testing.T) {
	t.Parallel()

	issuer := newTestIssuer()
	authTime := time.Now().Add(-time.Minute).Truncate(time.Second)

	tests := []struct {
		name      string
		withEmail bool
		wantEmail string
	}{
		{name: "emailスコープありの場合はemailを含むこと", withEmail: true, wantEmail: "alice@example.com"},
		{name: "emailスコープなしの場合はemailを含まないこと", withEmail: false, wantEmail: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			raw, err := issuer.IssueIDToken(testUser, "gateway", "nonce-1", authTime, tt.withEmail)
			if err != nil {
				t.Fatalf("IssueIDToken()でエラーが発生: %v", err)
			}

			claims := &IDClaims{}
			token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
				return &testKey().PublicKey, nil
			}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithAudience("gateway"), jwt.WithIssuer("http://idp.test"))
			if err != nil {
				t.Fatalf("IDトークンの検証に失敗: %v", err)
			}
			if kid := token.Header["kid"]; kid != issuer.KeyID() {
				t.Errorf("kid = %v, want %s", kid, issuer.KeyID())
			}
			if claims.TokenUse != "id" {
				t.Errorf("token_use = %q, want %q", claims.TokenUse, "id")
			}
			if claims.Nonce != "nonce-1" {
				t.Errorf("nonce = %q, want %q", claims.Nonce, "nonce-1")
			}
			if claims.AuthTime != authTime.Unix() {
				t.Errorf("auth_time = %d, want %d", claims.AuthTime, authTime.Unix())
			}
			if claims.Username != "alice" {
				t.Errorf("cognito:username = %q, want %q", claims.Username, "alice")
			}
			if claims.Email != tt.wantEmail {
				t.Errorf("email = %q, want %q", claims.Email, tt.wantEmail)
			}
		})
	}
}

// TestParseAccessToken はアクセストークンの検証を検証する。
func TestParseAccessToken(t *testing.T) {
	t.Parallel()

	t.Run("発行したアクセストークンを検証できること", func(t *testing.T) {
		t.Parallel()

		issuer := newTestIssuer()
		raw, err := issuer.IssueAccessToken(testUser, "gateway", "openid email", time.Now())
		if err != nil {
			t.Fatalf("IssueAccessToken()でエラーが発生: %v", err)
		}
		claims, err := issuer.ParseAccessToken(raw)
		if err != nil {
			t.Fatalf("ParseAccessToken()でエラーが発生: %v", err)
		}
		if claims.Subject != "sub-alice" || claims.ClientID != "gateway" {
			t.Errorf("sub = %q, client_id = %q", claims.Subject, claims.ClientID)
		}
		if got := claims.Scopes(); len(got) != 2 || got[1] != "email" {
			t.Errorf("Scopes() = %v", got)
		}
	})

	t.Run("IDトークンはアクセストークンとして受理されないこと", func(t *testing.T) {
		t.Parallel()

		issuer := newTestIssuer()
		raw, err := issuer.IssueIDToken(testUser, "gateway", "", time.Now(), true)
		if err != nil {
			t.Fatalf("IssueIDToken()でエラーが発生: %v", err)
		}
		if _, err := issuer.ParseAccessToken(raw); err == nil {
			t.Error("IDトークンが受理された")
		}
	})

	t.Run("期限切れのアクセストークンは拒否されること", func(t *testing.T) {
		t.Parallel()

		issuer := newTestIssuer()
		issuer.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
		raw, err := issuer.IssueAccessToken(testUser, "gateway", "openid", time.Now())
		if err != nil {
			t.Fatalf("IssueAccessToken()でエラーが発生: %v", err)
		}
		issuer.now = time.Now
		if _, err := issuer.ParseAccessToken(raw); err == nil {
			t.Error("期限切れのトークンが受理された")
		}
	})

	t.Run("別のissuerのトークンは拒否されること", func(t *testing.T) {
		t.Parallel()

		other := NewTokenIssuer(testKey(), "http://other.test", time.Hour, time.Hour)
		raw, err := other.IssueAccessToken(testUser, "gateway", "openid", time.Now())
		if err != nil {
			t.Fatalf("IssueAccessToken()でエラーが発生: %v", err)
		}
		if _, err := newTestIssuer().ParseAccessToken(raw); err == nil {
			t.Error("別のissuerのトークンが受理された")
		}
	})

	t.Run("改ざんされたトークンは拒否されること", func(t *testing.T) {
		t.Parallel()

		issuer := newTestIssuer()
		raw, err := issuer.IssueAccessToken(testUser, "gateway", "openid", time.Now())
		if err != nil {
			t.Fatalf("IssueAccessToken()でエラーが発生: %v", err)
		}
		parts := strings.Split(raw, ".")
		parts[1] = parts[1] + "A"
		if _, err := issuer.ParseAccessToken(strings.Join(parts, ".")); err == nil {
			t.Error("改ざんされたトークンが受理された")
		}
	})
}

// TestJWKS はJWK Setに署名鍵の公開鍵が含まれることを検証する。
func TestJWKS(t *testing.T) {
	t.Parallel()

	issuer := newTestIssuer()
	set := issuer.JWKS()
	key, ok := set.Lookup(issuer.KeyID())
	if !ok {
		t.Fatalf("kid %s がJWK Setに含まれていない", issuer.KeyID())
	}
	pub, err := key.RSAPublicKey()
	if err != nil {
		t.Fatalf("RSAPublicKey()でエラーが発生: %v", err)
	}
	if !pub.Equal(&testKey().PublicKey) {
		t.Error("JWKの公開鍵が署名鍵と一致しない")
	}
	if keyID(pub) != issuer.KeyID() {
		t.Error("kidが公開鍵から決定的に導出されていない")
	}
}
