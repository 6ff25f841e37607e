package gateway

import (
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/nao1215/authgate/internal/idp"
	"github.com/nao1215/authgate/pkg/config"
	"github.com/nao1215/authgate/pkg/oidcdata"
	"github.com/nao1215/authgate/pkg/session"
	"github.com/rs/zerolog"
)

// startIdP はインメモリSQLiteの実IdPを起動し、ゲートウェイ用のクライアントとユーザーを登録する。
func startIdP(t *testing.T, gatewayURL string) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := &config.IdP{
		Port:               "0",
		Issuer:             srv.URL,
		IDTokenTTL:         time.Hour,
		AccessTokenTTL:     time.Hour,
		AuthCodeTTL:        5 * time.Minute,
		SessionTTL:         time.Hour,
		LoginRatePerMinute: 1000,
		LoginBurst:         100,
	}

	db, err := idp.OpenDB(":memory:", zerolog.Nop())
	if err != nil {
		t.Fatalf("OpenDB()でエラーが発生: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store := idp.NewStore(db)
	err = store.ApplySeed(t.Context(), &idp.Seed{
		Users: []idp.UserInput{
			{Username: "alice", Email: "alice@example.com", EmailVerified: true, Password: "Passw0rd!"},
		},
		Clients: []idp.ClientInput{{
			ID:           testClientID,
			Secret:       testClientSecret,
			CallbackURLs: []string{gatewayURL + callbackPath},
			LogoutURLs:   []string{gatewayURL + "/"},
		}},
	})
	if err != nil {
		t.Fatalf("ApplySeed()でエラーが発生: %v", err)
	}

	key, err := idp.LoadSigningKey("")
	if err != nil {
		t.Fatalf("LoadSigningKey()でエラーが発生: %v", err)
	}
	s, err := idp.NewServer(cfg, store, idp.NewTokenIssuer(key, cfg.Issuer, cfg.IDTokenTTL, cfg.AccessTokenTTL), zerolog.Nop())
	if err != nil {
		t.Fatalf("idp.NewServer()でエラーが発生: %v", err)
	}
	mux.Handle("/", s.Handler())
	return srv
}

// TestEndToEnd はブラウザ・ゲートウェイ・IdP・バックエンドを通したログインとサインアウトを検証する。
func TestEndToEnd(t *testing.T) {
	t.Parallel()

	gwMux := http.NewServeMux()
	gwSrv := httptest.NewServer(gwMux)
	t.Cleanup(gwSrv.Close)

	idpSrv := startIdP(t, gwSrv.URL)
	backend := newRecordingBackend(t)

	cfg := testConfig(idpSrv.URL)
	cfg.PublicURL = gwSrv.URL
	cfg.LogoutURL = gwSrv.URL + "/"
	cfg.Targets = []string{backend.srv.URL}

	rules, err := ParseRules(nil, DefaultRule(cfg.OnUnauthenticated))
	if err != nil {
		t.Fatalf("ParseRules()でエラーが発生: %v", err)
	}
	targets, err := NewTargetGroup(cfg.Targets, cfg.HealthCheck, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewTargetGroup()でエラーが発生: %v", err)
	}
	key, err := oidcdata.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey()でエラーが発生: %v", err)
	}
	signer, err := oidcdata.NewSigner(key, oidcdata.SignerOptions{Signer: cfg.Signer, Issuer: cfg.IdPIssuer, ClientID: cfg.ClientID, TTL: cfg.ClaimsTTL})
	if err != nil {
		t.Fatalf("NewSigner()でエラーが発生: %v", err)
	}
	gw, err := NewServer(cfg, Deps{
		Rules:    rules,
		Targets:  targets,
		Sessions: session.NewMemoryStore(cfg.SessionCapacity, cfg.SessionTimeout),
		Signer:   signer,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewServer()でエラーが発生: %v", err)
	}
	gwMux.Handle("/", gw.Handler())

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar.New()でエラーが発生: %v", err)
	}
	browser := &http.Client{Jar: jar, Timeout: 10 * time.Second}

	// 未認証のアクセスはホステッドUIのログインフォームに到達する
	resp, err := browser.Get(gwSrv.URL + "/app?tab=1")
	if err != nil {
		t.Fatalf("GETに失敗: %v", err)
	}
	_ = resp.Body.Close()
	loginURL := resp.Request.URL
	if resp.StatusCode != http.StatusOK || loginURL.Path != "/login" {
		t.Fatalf("ログインフォームに到達しない: status=%d url=%s", resp.StatusCode, loginURL)
	}
	if backend.hits.Load() != 0 {
		t.Fatal("未認証のリクエストがバックエンドへ転送された")
	}

	// ログインするとコールバックを経由して元のURLへ戻る
	form := loginURL.Query()
	form.Set("username", "alice")
	form.Set("password", "Passw0rd!")
	resp, err = browser.PostForm(idpSrv.URL+"/login", form)
	if err != nil {
		t.Fatalf("ログインフォームの送信に失敗: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ステータスコード = %d, body = %s", resp.StatusCode, body)
	}
	if resp.Request.URL.String() != gwSrv.URL+"/app?tab=1" {
		t.Errorf("ログイン後のURL = %s", resp.Request.URL)
	}
	if string(body) != "backend:/app" {
		t.Errorf("body = %q", body)
	}

	got := backend.lastRequest(t)
	v := oidcdata.NewVerifier(oidcdata.StaticKeys{signer.KeyID(): signer.PublicKey()},
		oidcdata.VerifierOptions{Signer: cfg.Signer, Issuer: idpSrv.URL})
	claims, err := v.Verify(t.Context(), got.Header.Get(oidcdata.HeaderData))
	if err != nil {
		t.Fatalf("クレームヘッダーの検証に失敗: %v", err)
	}
	if claims.Email != "alice@example.com" || !claims.EmailVerified || claims.Username != "alice" {
		t.Errorf("claims = %+v", claims)
	}
	if claims.Subject == "" || got.Header.Get(oidcdata.HeaderIdentity) != claims.Subject {
		t.Errorf("%s = %q, sub = %q", oidcdata.HeaderIdentity, got.Header.Get(oidcdata.HeaderIdentity), claims.Subject)
	}
	if got.Header.Get(oidcdata.HeaderAccessToken) == "" {
		t.Errorf("%s が付与されていない", oidcdata.HeaderAccessToken)
	}

	// セッションがあれば2回目以降はIdPを経由しない
	resp, err = browser.Get(gwSrv.URL + "/other")
	if err != nil {
		t.Fatalf("GETに失敗: %v", err)
	}
	_ = resp.Body.Close()
	if resp.Request.URL.Host != mustHost(t, gwSrv.URL) || resp.StatusCode != http.StatusOK {
		t.Errorf("セッションで転送されない: status=%d url=%s", resp.StatusCode, resp.Request.URL)
	}

	// サインアウトするとIdPのセッションも破棄され、再びログインフォームに戻る
	resp, err = browser.Get(gwSrv.URL + "/oauth2/sign_out")
	if err != nil {
		t.Fatalf("サインアウトに失敗: %v", err)
	}
	_ = resp.Body.Close()
	if resp.Request.URL.Path != "/login" || resp.Request.URL.Host != mustHost(t, idpSrv.URL) {
		t.Errorf("サインアウト後のURL = %s", resp.Request.URL)
	}
}

func mustHost(t *testing.T, raw string) string {
	t.Helper()

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("URLの解釈に失敗: %v", err)
	}
	return u.Host
}
