package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/nao1215/authgate/pkg/config"
	"github.com/nao1215/authgate/pkg/httpserver"
	"github.com/nao1215/authgate/pkg/middleware"
	"github.com/nao1215/authgate/pkg/oidcdata"
	"github.com/nao1215/authgate/pkg/session"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	// nonceCookieName はログイン開始時にstateを保持するCookie名。
	nonceCookieName = "AWSELBAuthNonce"
	// callbackPath はIdPからのリダイレクトを受けるパス。
	callbackPath = "/oauth2/idpresponse"
	// pendingLoginTTL はログイン開始からコールバックまでの猶予。
	pendingLoginTTL = 15 * time.Minute
	// pendingLoginCapacity は同時に保持するログイン途中のリクエスト数の上限。
	pendingLoginCapacity = 10000
)

// Server は認証ゲートウェイのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg はゲートウェイの設定。
	cfg *config.Gateway
	// rules はリスナールール。
	rules *RuleSet
	// targets は転送先のターゲットグループ。
	targets *TargetGroup
	// sessions は認証セッションの保存先。
	sessions session.Store
	// pending はstateからログイン途中のリクエストへの対応。
	pending *expirable.LRU[string, pendingLogin]
	// idp はIdPとのバックチャネル通信を行う。
	idp *IdPClient
	// signer はクレームヘッダーに署名する。
	signer *oidcdata.Signer
	logger zerolog.Logger
	now    func() time.Time
}

// Deps はServerが利用するコンポーネント。
type Deps struct {
	Rules    *RuleSet
	Targets  *TargetGroup
	Sessions session.Store
	Signer   *oidcdata.Signer
}

// NewServer は新しいゲートウェイサーバーを生成する。
func NewServer(cfg *config.Gateway, deps Deps, logger zerolog.Logger) (*Server, error) {
	if deps.Rules == nil || deps.Targets == nil || deps.Sessions == nil || deps.Signer == nil {
		return nil, errors.New("ゲートウェイの依存コンポーネントが不足しています")
	}

	router := gin.New()
	// 末尾スラッシュの違いもリスナールールで評価する
	router.RedirectTrailingSlash = false
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestLogger(logger))

	s := &Server{
		router:   router,
		cfg:      cfg,
		rules:    deps.Rules,
		targets:  deps.Targets,
		sessions: deps.Sessions,
		pending:  expirable.NewLRU[string, pendingLogin](pendingLoginCapacity, nil, pendingLoginTTL),
		idp: NewIdPClient(IdPClientOptions{
			BaseURL:      cfg.IdPURL,
			Issuer:       cfg.IdPIssuer,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURI:  strings.TrimSuffix(cfg.PublicURL, "/") + callbackPath,
		}),
		signer: deps.Signer,
		logger: logger,
		now:    time.Now,
	}
	s.setupRoutes()

	return s, nil
}

// Handler はHTTPハンドラーを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーとヘルスチェックを起動し、ctxがキャンセルされるまでブロックする。
func (s *Server) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.targets.Run(gCtx)
		return nil
	})
	g.Go(func() error {
		return httpserver.Serve(gCtx, ":"+s.cfg.Port, s.router, s.logger)
	})
	return g.Wait()
}

// setupRoutes はルーティングを設定する。
// ゲートウェイ自身が処理するパス以外はすべてリスナールールで評価する。
func (s *Server) setupRoutes() {
	oauth := s.router.Group("/oauth2")
	{
		oauth.GET("/idpresponse", s.handleCallback())
		oauth.GET("/sign_out", s.handleSignOut())
		oauth.GET("/public-keys/:kid", s.handlePublicKey())
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "gateway",
			"targets": s.targets.Status(),
		})
	})

	s.router.NoRoute(s.handleListener())
}

// handleListener はリスナールールに従ってリクエストを処理するハンドラを返す。
func (s *Server) handleListener() gin.HandlerFunc {
	return func(c *gin.Context) {
		rule := s.rules.Match(c.Request.Method, c.Request.URL.Path)

		switch rule.Action {
		case ActionFixedResponse:
			rule.FixedResponse.write(c.Writer)
			c.Abort()
			return
		case ActionForward:
			s.forward(c, nil)
			return
		}

		sess, err := s.currentSession(c)
		if err == nil {
			s.forward(c, sess)
			return
		}
		if !errors.Is(err, session.ErrNotFound) {
			s.logger.Error().Err(err).Msg("セッションの取得に失敗しました")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "内部サーバーエラーが発生しました"})
			return
		}

		switch rule.onUnauthenticated(s.cfg.OnUnauthenticated) {
		case OnUnauthenticatedDeny:
			c.JSON(http.StatusUnauthorized, gin.H{"error": "認証が必要です"})
		case OnUnauthenticatedAllow:
			s.forward(c, nil)
		default:
			s.startLogin(c, rule)
		}
	}
}

// sessionCookie はセッションCookie名を返す。
func (s *Server) sessionCookie() string {
	return s.cfg.SessionCookieName + "-0"
}

// currentSession はセッションCookieから有効なセッションを取得する。
// Cookieが無い場合や期限切れの場合はsession.ErrNotFoundを返す。
func (s *Server) currentSession(c *gin.Context) (*session.Session, error) {
	id, err := c.Cookie(s.sessionCookie())
	if err != nil || id == "" {
		return nil, session.ErrNotFound
	}
	sess, err := s.sessions.Get(c.Request.Context(), id)
	if err != nil {
		return nil, err
	}
	if sess.Expired(s.now()) {
		return nil, session.ErrNotFound
	}
	return sess, nil
}

// forward はリクエストをターゲットへ転送する。
// クライアントが送ったIDヘッダーとゲートウェイのCookieは必ず削除し、sessがあれば署名済みのIDヘッダーを付与する。
func (s *Server) forward(c *gin.Context, sess *session.Session) {
	target, err := s.targets.Pick()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "転送先のターゲットがありません"})
		return
	}

	req := c.Request
	for _, h := range oidcdata.Headers {
		req.Header.Del(h)
	}
	stripGatewayCookies(req, s.cfg.SessionCookieName)

	if sess != nil {
		data, err := s.signer.Sign(sess.Claims, sess.ExpiresAt)
		if err != nil {
			s.logger.Error().Err(err).Msg("クレームヘッダーの署名に失敗しました")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "内部サーバーエラーが発生しました"})
			return
		}
		req.Header.Set(oidcdata.HeaderData, data)
		req.Header.Set(oidcdata.HeaderAccessToken, sess.AccessToken)
		req.Header.Set(oidcdata.HeaderIdentity, sess.Subject)
	}

	target.proxy.ServeHTTP(c.Writer, req)
	c.Abort()
}

// stripGatewayCookies はゲートウェイが発行したCookieをリクエストから取り除く。
func stripGatewayCookies(req *http.Request, sessionPrefix string) {
	cookies := req.Cookies()
	if len(cookies) == 0 {
		return
	}
	kept := make([]string, 0, len(cookies))
	for _, ck := range cookies {
		if ck.Name == nonceCookieName || strings.HasPrefix(ck.Name, sessionPrefix) {
			continue
		}
		kept = append(kept, ck.Name+"="+ck.Value)
	}
	req.Header.Del("Cookie")
	if len(kept) > 0 {
		req.Header.Set("Cookie", strings.Join(kept, "; "))
	}
}

// handlePublicKey はクレームヘッダーの署名鍵の公開鍵をPEMで返すハンドラを返す。
func (s *Server) handlePublicKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Param("kid") != s.signer.KeyID() {
			c.JSON(http.StatusNotFound, gin.H{"error": "公開鍵が見つかりません"})
			return
		}
		pemBytes, err := s.signer.PublicKeyPEM()
		if err != nil {
			s.logger.Error().Err(err).Msg("公開鍵のエンコードに失敗しました")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "内部サーバーエラーが発生しました"})
			return
		}
		c.Header("Cache-Control", "public, max-age=86400")
		c.Data(http.StatusOK, "application/x-pem-file", pemBytes)
	}
}

// setCookie はゲートウェイのCookieを設定する。maxAgeが負の場合は削除する。
func (s *Server) setCookie(c *gin.Context, name, value string, maxAge int) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(name, value, maxAge, "/", "", s.cfg.SecureCookie, true)
}

// sessionTimeout はルールのセッション有効期間を返す。
func (s *Server) sessionTimeout(rule *Rule) time.Duration {
	if rule.Authenticate != nil && rule.Authenticate.SessionTimeout > 0 {
		return rule.Authenticate.SessionTimeout
	}
	return s.cfg.SessionTimeout
}

// scope はルールでIdPに要求するスコープを返す。
func (s *Server) scope(rule *Rule) string {
	if rule.Authenticate != nil && rule.Authenticate.Scope != "" {
		return rule.Authenticate.Scope
	}
	return s.cfg.Scope
}
