// ヘッダーエコー用テストバックエンドのエントリポイント。
// ゲートウェイから転送されたリクエストのヘッダーとIDをJSONで返す。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/authgate/internal/backend"
	"github.com/nao1215/authgate/pkg/config"
	"github.com/nao1215/authgate/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "backend: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadBackend()
	if err != nil {
		return err
	}
	log, err := logger.New("backend", cfg.LogLevel, logger.Format(cfg.LogFormat))
	if err != nil {
		return err
	}

	server, err := backend.Setup(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("port", cfg.Port).Msg("バックエンドを起動します")
	return server.Run(ctx)
}
