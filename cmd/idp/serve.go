package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/authgate/internal/idp"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "IdPのHTTPサーバーを起動する",
	Long:  `IDP_SEED_FILEが設定されていればシードを投入してから、ホステッドUIとOAuth2エンドポイントを起動する`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := openEnvironment()
		if err != nil {
			return err
		}
		defer env.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if env.cfg.SeedFile != "" {
			if err := applySeedFile(ctx, env, env.cfg.SeedFile); err != nil {
				return err
			}
		}

		key, err := idp.LoadSigningKey(env.cfg.SigningKeyFile)
		if err != nil {
			return err
		}
		tokens := idp.NewTokenIssuer(key, env.cfg.Issuer, env.cfg.IDTokenTTL, env.cfg.AccessTokenTTL)
		server, err := idp.NewServer(env.cfg, env.store, tokens, env.logger)
		if err != nil {
			return fmt.Errorf("IdPの初期化に失敗: %w", err)
		}

		env.logger.Info().
			Str("port", env.cfg.Port).
			Str("issuer", env.cfg.Issuer).
			Str("kid", tokens.KeyID()).
			Bool("admin_api", env.cfg.AdminToken != "").
			Msg("IdPを起動します")
		return server.Run(ctx)
	},
}

// applySeedFile はシードファイルを読み込んでストアに投入する。
func applySeedFile(ctx context.Context, env *environment, path string) error {
	seed, err := idp.LoadSeed(path)
	if err != nil {
		return err
	}
	if err := env.store.ApplySeed(ctx, seed); err != nil {
		return err
	}
	env.logger.Info().
		Str("file", path).
		Int("users", len(seed.Users)).
		Int("clients", len(seed.Clients)).
		Msg("シードを投入しました")
	return nil
}
