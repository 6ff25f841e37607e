// モックIDプロバイダーのエントリポイント。
// serveでホステッドUIとOAuth2エンドポイントを起動し、seed・user・clientで
// ユーザープールの内容を管理する。eventsで監査イベントを表示する。設定はIDP_プレフィックスの環境変数から読み込む。
package main

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/nao1215/authgate/internal/idp"
	"github.com/nao1215/authgate/pkg/config"
	"github.com/nao1215/authgate/pkg/logger"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "idp",
	Short:         "Cognito互換のモックIDプロバイダー",
	Long:          `ホステッドUIでユーザーを認証し、認可コードフローでRS256署名のトークンを発行するモックIDプロバイダー`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, seedCmd, userCmd, clientCmd, eventsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "idp: %v\n", err)
		os.Exit(1)
	}
}

// environment はサブコマンドが共有する設定・ロガー・ストア。
type environment struct {
	cfg    *config.IdP
	logger zerolog.Logger
	db     *sql.DB
	store  *idp.Store
}

// openEnvironment は設定を読み込み、データベースを開く。呼び出し側はCloseを呼ぶ。
func openEnvironment() (*environment, error) {
	cfg, err := config.LoadIdP()
	if err != nil {
		return nil, err
	}
	log, err := logger.New("idp", cfg.LogLevel, logger.Format(cfg.LogFormat))
	if err != nil {
		return nil, err
	}
	db, err := idp.OpenDB(cfg.DBPath, log)
	if err != nil {
		return nil, err
	}
	return &environment{cfg: cfg, logger: log, db: db, store: idp.NewStore(db)}, nil
}

// Close はデータベースを閉じる。
func (e *environment) Close() {
	if err := e.db.Close(); err != nil {
		e.logger.Warn().Err(err).Msg("データベースのクローズに失敗しました")
	}
}
