package oidcdata

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nao1215/authgate/pkg/httpclient"
)

const (
	testSignerARN = "arn:aws:elasticloadbalancing:local:000000000000:loadbalancer/app/test/0"
	testIssuer    = "http://idp.test"
)

// newTestSigner はテスト用のSignerを生成する。
func newTestSigner(t *testing.T) *Signer {
	t.Helper()

	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey()でエラーが発生: %v", err)
	}
	s, err := NewSigner(key, SignerOptions{
		Signer:   testSignerARN,
		Issuer:   testIssuer,
		ClientID: "gateway-client",
		TTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("NewSigner()でエラーが発生: %v", err)
	}
	return s
}

// testClaims はテスト用のクレームを返す。
func testClaims() Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-123"},
		Email:            "alice@example.com",
		EmailVerified:    true,
		Username:         "alice",
	}
}

// TestSign はSign関数を検証する。
func TestSign(t *testing.T) {
	t.Parallel()

	t.Run("JWTヘッダーにkid・signer・iss・client・expが含まれること", func(t *testing.T) {
		t.Parallel()

		s := newTestSigner(t)
		raw, err := s.Sign(testClaims(), time.Time{})
		if err != nil {
			t.Fatalf("Sign()でエラーが発生: %v", err)
		}

		token, _, err := jwt.NewParser().ParseUnverified(raw, &Claims{})
		if err != nil {
			t.Fatalf("トークンのパースに失敗: %v", err)
		}
		if token.Header["alg"] != "ES256" {
			t.Errorf("alg = %v, want ES256", token.Header["alg"])
		}
		if token.Header["kid"] != s.KeyID() {
			t.Errorf("kid = %v, want %q", token.Header["kid"], s.KeyID())
		}
		if token.Header["signer"] != testSignerARN {
			t.Errorf("signer = %v, want %q", token.Header["signer"], testSignerARN)
		}
		if token.Header["iss"] != testIssuer {
			t.Errorf("iss = %v, want %q", token.Header["iss"], testIssuer)
		}
		if token.Header["client"] != "gateway-client" {
			t.Errorf("client = %v, want %q", token.Header["client"], "gateway-client")
		}
		if _, ok := token.Header["exp"]; !ok {
			t.Error("expヘッダーが無い")
		}
	})

	t.Run("有効期限はセッションの期限を超えないこと", func(t *testing.T) {
		t.Parallel()

		s := newTestSigner(t)
		notAfter := time.Now().Add(10 * time.Second)
		raw, err := s.Sign(testClaims(), notAfter)
		if err != nil {
			t.Fatalf("Sign()でエラーが発生: %v", err)
		}

		claims, err := Decode(raw, time.Now())
		if err != nil {
			t.Fatalf("Decode()でエラーが発生: %v", err)
		}
		if claims.ExpiresAt.Unix() != notAfter.Unix() {
			t.Errorf("exp = %d, want %d", claims.ExpiresAt.Unix(), notAfter.Unix())
		}
	})

	t.Run("kidは同じ鍵から常に同じ値になること", func(t *testing.T) {
		t.Parallel()

		key, err := GenerateKey()
		if err != nil {
			t.Fatalf("GenerateKey()でエラーが発生: %v", err)
		}
		s1, _ := NewSigner(key, SignerOptions{})
		s2, _ := NewSigner(key, SignerOptions{})
		if s1.KeyID() != s2.KeyID() {
			t.Errorf("kidが一致しない: %q != %q", s1.KeyID(), s2.KeyID())
		}
	})
}

// TestVerify はVerify関数を検証する。
func TestVerify(t *testing.T) {
	t.Parallel()

	t.Run("署名した値を検証してクレームを取り出せること", func(t *testing.T) {
		t.Parallel()

		s := newTestSigner(t)
		raw, err := s.Sign(testClaims(), time.Time{})
		if err != nil {
			t.Fatalf("Sign()でエラーが発生: %v", err)
		}

		v := NewVerifier(StaticKeys{s.KeyID(): s.PublicKey()}, VerifierOptions{Signer: testSignerARN, Issuer: testIssuer})
		claims, err := v.Verify(context.Background(), raw)
		if err != nil {
			t.Fatalf("Verify()でエラーが発生: %v", err)
		}
		if claims.Subject != "user-123" {
			t.Errorf("Subject = %q, want %q", claims.Subject, "user-123")
		}
		if claims.Email != "alice@example.com" {
			t.Errorf("Email = %q, want %q", claims.Email, "alice@example.com")
		}
	})

	t.Run("base64urlのパディングが付いていても検証できること", func(t *testing.T) {
		t.Parallel()

		s := newTestSigner(t)
		raw, err := s.Sign(testClaims(), time.Time{})
		if err != nil {
			t.Fatalf("Sign()でエラーが発生: %v", err)
		}
		// 署名部はsigning stringに含まれないのでパディングを付けても署名は変わらない
		parts := strings.Split(raw, ".")
		for len(parts[2])%4 != 0 {
			parts[2] += "="
		}
		padded := strings.Join(parts, ".")
		if padded == raw {
			t.Fatal("パディングが付与されていない")
		}

		v := NewVerifier(StaticKeys{s.KeyID(): s.PublicKey()}, VerifierOptions{})
		if _, err := v.Verify(context.Background(), padded); err != nil {
			t.Fatalf("パディング付きでVerify()が失敗: %v", err)
		}
	})

	t.Run("別の鍵で署名された値は拒否されること", func(t *testing.T) {
		t.Parallel()

		s := newTestSigner(t)
		other := newTestSigner(t)
		raw, err := other.Sign(testClaims(), time.Time{})
		if err != nil {
			t.Fatalf("Sign()でエラーが発生: %v", err)
		}

		v := NewVerifier(StaticKeys{other.KeyID(): s.PublicKey()}, VerifierOptions{})
		if _, err := v.Verify(context.Background(), raw); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("err = %v, want ErrInvalidToken", err)
		}
	})

	t.Run("signerが一致しない場合は拒否されること", func(t *testing.T) {
		t.Parallel()

		s := newTestSigner(t)
		raw, _ := s.Sign(testClaims(), time.Time{})

		v := NewVerifier(StaticKeys{s.KeyID(): s.PublicKey()}, VerifierOptions{Signer: "arn:other"})
		if _, err := v.Verify(context.Background(), raw); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("err = %v, want ErrInvalidToken", err)
		}
	})

	t.Run("有効期限切れは拒否されること", func(t *testing.T) {
		t.Parallel()

		s := newTestSigner(t)
		s.now = func() time.Time { return time.Now().Add(-time.Hour) }
		raw, _ := s.Sign(testClaims(), time.Time{})

		v := NewVerifier(StaticKeys{s.KeyID(): s.PublicKey()}, VerifierOptions{})
		if _, err := v.Verify(context.Background(), raw); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("err = %v, want ErrInvalidToken", err)
		}
	})

	t.Run("未知のkidは拒否されること", func(t *testing.T) {
		t.Parallel()

		s := newTestSigner(t)
		raw, _ := s.Sign(testClaims(), time.Time{})

		v := NewVerifier(StaticKeys{}, VerifierOptions{})
		if _, err := v.Verify(context.Background(), raw); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("err = %v, want ErrInvalidToken", err)
		}
	})

	t.Run("HS256で偽造された値は拒否されること", func(t *testing.T) {
		t.Parallel()

		s := newTestSigner(t)
		forged := jwt.NewWithClaims(jwt.SigningMethodHS256, testClaims())
		forged.Header["kid"] = s.KeyID()
		raw, err := forged.SignedString([]byte("guess"))
		if err != nil {
			t.Fatalf("偽造トークンの生成に失敗: %v", err)
		}

		v := NewVerifier(StaticKeys{s.KeyID(): s.PublicKey()}, VerifierOptions{})
		if _, err := v.Verify(context.Background(), raw); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("err = %v, want ErrInvalidToken", err)
		}
	})
}

// TestDecode はDecode関数を検証する。
func TestDecode(t *testing.T) {
	t.Parallel()

	t.Run("有効期限切れの値は署名検証なしでも拒否されること", func(t *testing.T) {
		t.Parallel()

		s := newTestSigner(t)
		raw, _ := s.Sign(testClaims(), time.Time{})

		if _, err := Decode(raw, time.Now().Add(time.Hour)); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("err = %v, want ErrInvalidToken", err)
		}
	})

	t.Run("JWTでない値は拒否されること", func(t *testing.T) {
		t.Parallel()

		if _, err := Decode("not-a-jwt", time.Now()); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("err = %v, want ErrInvalidToken", err)
		}
	})
}

// TestRemoteKeys はRemoteKeysを検証する。
func TestRemoteKeys(t *testing.T) {
	t.Parallel()

	t.Run("公開鍵エンドポイントから取得した鍵で検証でき結果がキャッシュされること", func(t *testing.T) {
		t.Parallel()

		s := newTestSigner(t)
		pemBytes, err := s.PublicKeyPEM()
		if err != nil {
			t.Fatalf("PublicKeyPEM()でエラーが発生: %v", err)
		}

		var calls atomic.Int32
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			if r.URL.Path != "/"+s.KeyID() {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write(pemBytes)
		}))
		defer ts.Close()

		keys, err := NewRemoteKeys(httpclient.New(ts.URL), 8)
		if err != nil {
			t.Fatalf("NewRemoteKeys()でエラーが発生: %v", err)
		}
		v := NewVerifier(keys, VerifierOptions{Signer: testSignerARN})

		for range 3 {
			raw, _ := s.Sign(testClaims(), time.Time{})
			if _, err := v.Verify(context.Background(), raw); err != nil {
				t.Fatalf("Verify()でエラーが発生: %v", err)
			}
		}
		if got := calls.Load(); got != 1 {
			t.Errorf("公開鍵エンドポイントの呼び出し回数 = %d, want 1", got)
		}
	})

	t.Run("404の場合はErrUnknownKeyを返すこと", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.NotFoundHandler())
		defer ts.Close()

		keys, _ := NewRemoteKeys(httpclient.New(ts.URL), 8)
		if _, err := keys.PublicKey(context.Background(), "0b3e7c1a-0000-5000-8000-000000000000"); !errors.Is(err, ErrUnknownKey) {
			t.Errorf("err = %v, want ErrUnknownKey", err)
		}
	})

	t.Run("パスとして不正なkidは問い合わせずに拒否すること", func(t *testing.T) {
		t.Parallel()

		keys, _ := NewRemoteKeys(httpclient.New("http://127.0.0.1:1"), 8)
		if _, err := keys.PublicKey(context.Background(), "../admin"); !errors.Is(err, ErrUnknownKey) {
			t.Errorf("err = %v, want ErrUnknownKey", err)
		}
	})
}
