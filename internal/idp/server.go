package idp

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/nao1215/authgate/pkg/config"
	"github.com/nao1215/authgate/pkg/event"
	"github.com/nao1215/authgate/pkg/httpserver"
	"github.com/nao1215/authgate/pkg/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

//go:embed templates/*.html
var templatesFS embed.FS

// sessionCookieName はホステッドUIのログインセッションCookie名。
const sessionCookieName = "idp_session"

// codePurgeInterval は期限切れ認可コードを掃除する間隔。
const codePurgeInterval = time.Minute

// loginSession はホステッドUIでログイン済みのブラウザのセッション。
type loginSession struct {
	sub      string
	authTime time.Time
}

// Server はIDプロバイダーのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg はIdPの設定。
	cfg *config.IdP
	// store はユーザー・クライアント・認可コード・監査イベントの永続化層。
	store *Store
	// tokens はトークンの発行と検証を行う。
	tokens *TokenIssuer
	// sessions はログインセッションIDからセッションへの対応。
	sessions *expirable.LRU[string, loginSession]
	logger   zerolog.Logger
}

// NewServer は新しいIdPサーバーを生成する。
func NewServer(cfg *config.IdP, store *Store, tokens *TokenIssuer, logger zerolog.Logger) (*Server, error) {
	tmpl, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("テンプレートの読み込みに失敗: %w", err)
	}

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.CORS(cfg.AllowedOrigins))
	router.SetHTMLTemplate(tmpl)

	s := &Server{
		router:   router,
		cfg:      cfg,
		store:    store,
		tokens:   tokens,
		sessions: expirable.NewLRU[string, loginSession](10000, nil, cfg.SessionTTL),
		logger:   logger,
	}
	s.setupRoutes()

	return s, nil
}

// Handler はHTTPハンドラーを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーと期限切れ認可コードの掃除を起動し、ctxがキャンセルされるまでブロックする。
func (s *Server) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpserver.Serve(gCtx, ":"+s.cfg.Port, s.router, s.logger)
	})
	g.Go(func() error {
		s.purgeExpiredCodes(gCtx, codePurgeInterval)
		return nil
	})
	return g.Wait()
}

// setupRoutes はルーティングを設定する。
func (s *Server) setupRoutes() {
	loginLimit := middleware.RateLimit(
		rate.Every(time.Minute/time.Duration(s.cfg.LoginRatePerMinute)),
		s.cfg.LoginBurst,
	)

	oauth := s.router.Group("/oauth2")
	{
		oauth.GET("/authorize", s.handleAuthorize())
		oauth.POST("/token", s.handleToken())
		oauth.GET("/userInfo", s.handleUserInfo())
		oauth.POST("/userInfo", s.handleUserInfo())
	}

	// ホステッドUI
	s.router.GET("/login", s.handleLoginPage())
	s.router.POST("/login", loginLimit, s.handleLogin())
	s.router.GET("/logout", s.handleLogout())

	wellKnown := s.router.Group("/.well-known")
	{
		wellKnown.GET("/jwks.json", s.handleJWKS())
		wellKnown.GET("/openid-configuration", s.handleDiscovery())
	}

	s.router.GET("/admin/events", s.handleAdminEvents())

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "idp"})
	})
}

// handleJWKS はトークン署名鍵のJWK Setを返すハンドラを返す。
func (s *Server) handleJWKS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "public, max-age=300")
		c.JSON(http.StatusOK, s.tokens.JWKS())
	}
}

// handleDiscovery はOpenID Connectディスカバリ文書を返すハンドラを返す。
func (s *Server) handleDiscovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		issuer := s.cfg.Issuer
		c.JSON(http.StatusOK, gin.H{
			"issuer":                                issuer,
			"authorization_endpoint":                issuer + "/oauth2/authorize",
			"token_endpoint":                        issuer + "/oauth2/token",
			"userinfo_endpoint":                     issuer + "/oauth2/userInfo",
			"jwks_uri":                              issuer + "/.well-known/jwks.json",
			"end_session_endpoint":                  issuer + "/logout",
			"response_types_supported":              []string{"code"},
			"grant_types_supported":                 []string{"authorization_code"},
			"subject_types_supported":               []string{"public"},
			"id_token_signing_alg_values_supported": []string{"RS256"},
			"scopes_supported":                      defaultScopes,
			"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post"},
		})
	}
}

// purgeExpiredCodes はctxがキャンセルされるまで定期的に期限切れの認可コードを削除する。
func (s *Server) purgeExpiredCodes(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.DeleteExpiredAuthCodes(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					s.logger.Warn().Err(err).Msg("期限切れ認可コードの削除に失敗しました")
				}
				continue
			}
			if n > 0 {
				s.logger.Debug().Int64("count", n).Msg("期限切れ認可コードを削除しました")
			}
		}
	}
}

// recordEvent は監査イベントを記録する。記録の失敗はログに残し、リクエスト処理は継続する。
func (s *Server) recordEvent(ctx context.Context, aggregateID string, data event.Payload) {
	ev, err := event.New(aggregateID, data)
	if err != nil {
		s.logger.Error().Err(err).Str("event_type", string(data.EventType())).Msg("監査イベントの生成に失敗しました")
		return
	}
	if err := s.store.AppendEvent(ctx, ev); err != nil {
		s.logger.Error().Err(err).Str("event_type", string(data.EventType())).Msg("監査イベントの記録に失敗しました")
	}
}
