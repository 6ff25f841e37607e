// Package logger はzerologベースの構造化ロガーを提供する。
//
// 各サービスはエントリポイントでNewを呼び出し、生成したロガーを
// サーバーやミドルウェアに渡す。service フィールドは全ログ行に付与される。
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Format はログの出力形式を表す。
type Format string

const (
	// FormatJSON は1行1JSONで出力する。本番環境向け。
	FormatJSON Format = "json"
	// FormatConsole は人間が読みやすい色付き形式で出力する。開発環境向け。
	FormatConsole Format = "console"
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.TimestampFunc = func() time.Time {
		return time.Now().UTC()
	}
}

// New はサービス名を付与したロガーを生成する。
// levelには "debug", "info", "warn", "error" などzerologが解釈できる文字列を指定する。
func New(service, level string, format Format) (zerolog.Logger, error) {
	return NewWithWriter(os.Stdout, service, level, format)
}

// NewWithWriter は出力先を指定してロガーを生成する。テストで出力を捕捉するために使用する。
func NewWithWriter(w io.Writer, service, level string, format Format) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("ログレベルの解釈に失敗: %w", err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	writer := w
	if format == FormatConsole {
		writer = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	return zerolog.New(writer).
		Level(lvl).
		With().
		Timestamp().
		Str("service", service).
		Logger(), nil
}

// WithScope はスコープ名を付与した子ロガーを返す。
func WithScope(l zerolog.Logger, scope string) zerolog.Logger {
	return l.With().Str("scope", scope).Logger()
}
