package backend

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/authgate/pkg/config"
	"github.com/nao1215/authgate/pkg/httpclient"
	"github.com/nao1215/authgate/pkg/httpserver"
	"github.com/nao1215/authgate/pkg/middleware"
	"github.com/nao1215/authgate/pkg/oidcdata"
	"github.com/rs/zerolog"
)

// publicKeyCacheSize はゲートウェイ公開鍵のキャッシュ数。
const publicKeyCacheSize = 16

// echoResponse はエコーエンドポイントのレスポンス。
type echoResponse struct {
	Method     string              `json:"method"`
	Path       string              `json:"path"`
	Query      map[string][]string `json:"query"`
	Headers    map[string][]string `json:"headers"`
	RemoteAddr string              `json:"remote_addr"`
	Identity   identity            `json:"identity"`
}

// identity はクレームヘッダーから読み取ったユーザー情報。
type identity struct {
	Authenticated bool             `json:"authenticated"`
	Sub           string           `json:"sub,omitempty"`
	Username      string           `json:"username,omitempty"`
	Email         string           `json:"email,omitempty"`
	Verified      bool             `json:"signature_verified"`
	Claims        *oidcdata.Claims `json:"claims,omitempty"`
}

// Server はヘッダーエコー用バックエンドのHTTPサーバー。
type Server struct {
	router *gin.Engine
	cfg    *config.Backend
	logger zerolog.Logger
}

// NewServer は新しいバックエンドサーバーを生成する。
// verifierがnilの場合、クレームヘッダーは署名を検証せずにデコードする。
func NewServer(cfg *config.Backend, verifier *oidcdata.Verifier, logger zerolog.Logger) (*Server, error) {
	trusted, err := cfg.TrustedPrefixes()
	if err != nil {
		return nil, err
	}

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestLogger(logger))

	s := &Server{router: router, cfg: cfg, logger: logger}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "backend"})
	})
	// /health以外のすべてのパスとメソッドをエコーする
	router.NoRoute(middleware.GatewayIdentity(middleware.IdentityOptions{
		TrustedProxies: trusted,
		Verifier:       verifier,
		Required:       cfg.RequireIdentity,
		Logger:         logger,
	}), s.handleEcho)

	return s, nil
}

// Setup は設定からクレームヘッダーの検証器を組み立ててServerを生成する。
func Setup(cfg *config.Backend, logger zerolog.Logger) (*Server, error) {
	var verifier *oidcdata.Verifier
	if cfg.VerifyClaims {
		client := httpclient.New(cfg.PublicKeysURL,
			httpclient.WithTimeout(5*time.Second),
			httpclient.WithRetries(2, 200*time.Millisecond),
		)
		keys, err := oidcdata.NewRemoteKeys(client, publicKeyCacheSize)
		if err != nil {
			return nil, err
		}
		verifier = oidcdata.NewVerifier(keys, oidcdata.VerifierOptions{
			Signer: cfg.ExpectedSigner,
			Issuer: cfg.ExpectedIssuer,
			Leeway: 5 * time.Second,
		})
	}

	srv, err := NewServer(cfg, verifier, logger)
	if err != nil {
		return nil, fmt.Errorf("バックエンドの初期化に失敗: %w", err)
	}
	logger.Info().
		Bool("verify_claims", cfg.VerifyClaims).
		Bool("require_identity", cfg.RequireIdentity).
		Strs("trusted_proxies", cfg.TrustedProxies).
		Msg("バックエンドを構成しました")
	return srv, nil
}

// Handler はHTTPハンドラーを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるまでブロックする。
func (s *Server) Run(ctx context.Context) error {
	return httpserver.Serve(ctx, ":"+s.cfg.Port, s.router, s.logger)
}

func (s *Server) handleEcho(c *gin.Context) {
	resp := echoResponse{
		Method:     c.Request.Method,
		Path:       c.Request.URL.Path,
		Query:      c.Request.URL.Query(),
		Headers:    c.Request.Header,
		RemoteAddr: c.Request.RemoteAddr,
	}
	if claims, ok := middleware.GetClaims(c); ok {
		resp.Identity = identity{
			Authenticated: true,
			Sub:           middleware.GetUserID(c),
			Username:      claims.Username,
			Email:         claims.Email,
			Verified:      middleware.IsVerified(c),
			Claims:        claims,
		}
	}
	c.JSON(http.StatusOK, resp)
}
