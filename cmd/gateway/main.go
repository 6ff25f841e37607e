// 認証ゲートウェイのエントリポイント。
// リスナールールに従ってリクエストを評価し、未認証のブラウザをIdPのホステッドUIへ誘導する。
// 認証済みのリクエストには署名済みのクレームヘッダーを付与してターゲットへ転送する。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/authgate/internal/gateway"
	"github.com/nao1215/authgate/pkg/config"
	"github.com/nao1215/authgate/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadGateway()
	if err != nil {
		return err
	}
	log, err := logger.New("gateway", cfg.LogLevel, logger.Format(cfg.LogFormat))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server, closeFn, err := gateway.Setup(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("ゲートウェイの初期化に失敗: %w", err)
	}
	defer func() {
		if err := closeFn(); err != nil {
			log.Warn().Err(err).Msg("セッションストアのクローズに失敗しました")
		}
	}()

	log.Info().Str("port", cfg.Port).Msg("ゲートウェイを起動します")
	return server.Run(ctx)
}
