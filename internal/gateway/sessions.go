package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/nao1215/authgate/pkg/config"
	logging "github.com/nao1215/authgate/pkg/logger"
	"github.com/nao1215/authgate/pkg/oidcdata"
	"github.com/nao1215/authgate/pkg/session"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// OpenSessionStore は設定に応じたセッションストアを開く。
// 戻り値のcloseは終了時に呼び出す。ttlはメモリストアで保持する上限期間。
func OpenSessionStore(ctx context.Context, cfg *config.Gateway, ttl time.Duration) (session.Store, func() error, error) {
	if cfg.SessionStore != "redis" {
		return session.NewMemoryStore(cfg.SessionCapacity, ttl), func() error { return nil }, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("Redisへの接続に失敗: %w", err)
	}
	return session.NewRedisStore(client, cfg.Redis.KeyPrefix), client.Close, nil
}

// maxSessionTimeout は全体設定とルールのうち最長のセッション有効期間を返す。
func maxSessionTimeout(cfg *config.Gateway, rules *RuleSet) time.Duration {
	longest := cfg.SessionTimeout
	for _, r := range rules.Rules() {
		if r.Authenticate != nil && r.Authenticate.SessionTimeout > longest {
			longest = r.Authenticate.SessionTimeout
		}
	}
	return longest
}

// Setup は設定からゲートウェイの依存コンポーネントを組み立ててServerを生成する。
// 戻り値のcloseは終了時に呼び出す。
func Setup(ctx context.Context, cfg *config.Gateway, logger zerolog.Logger) (*Server, func() error, error) {
	rules, err := LoadRules(cfg.RulesFile, DefaultRule(cfg.OnUnauthenticated))
	if err != nil {
		return nil, nil, err
	}
	targets, err := NewTargetGroup(cfg.Targets, cfg.HealthCheck, logging.WithScope(logger, "targets"))
	if err != nil {
		return nil, nil, err
	}

	key, err := oidcdata.LoadKey(cfg.SigningKeyFile)
	if err != nil {
		return nil, nil, err
	}
	signer, err := oidcdata.NewSigner(key, oidcdata.SignerOptions{
		Signer:   cfg.Signer,
		Issuer:   cfg.IdPIssuer,
		ClientID: cfg.ClientID,
		TTL:      cfg.ClaimsTTL,
	})
	if err != nil {
		return nil, nil, err
	}

	sessions, closeSessions, err := OpenSessionStore(ctx, cfg, maxSessionTimeout(cfg, rules))
	if err != nil {
		return nil, nil, err
	}

	srv, err := NewServer(cfg, Deps{Rules: rules, Targets: targets, Sessions: sessions, Signer: signer}, logger)
	if err != nil {
		_ = closeSessions()
		return nil, nil, err
	}
	logger.Info().
		Int("rules", len(rules.Rules())).
		Int("targets", len(cfg.Targets)).
		Str("session_store", cfg.SessionStore).
		Str("kid", signer.KeyID()).
		Msg("ゲートウェイを構成しました")
	return srv, closeSessions, nil
}
