// Package session はゲートウェイの認証セッションを保持するストアを提供する。
//
// セッションはIdPでのログイン完了時に作成され、セッションクッキーのIDで参照される。
// 単一インスタンスではメモリストア、複数インスタンスで共有する場合はRedisストアを使う。
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/nao1215/authgate/pkg/oidcdata"
)

// ErrNotFound はセッションが存在しないか期限切れであることを表す。
var ErrNotFound = errors.New("セッションが見つかりません")

// Session は認証済みユーザーのセッション。
type Session struct {
	ID          string          `json:"id"`
	Subject     string          `json:"sub"`
	Claims      oidcdata.Claims `json:"claims"`
	AccessToken string          `json:"access_token"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// Expired はnow時点でセッションが期限切れかどうかを返す。
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Store はセッションの保存先。
type Store interface {
	Save(ctx context.Context, s *Session) error
	// Get は期限切れのセッションに対してもErrNotFoundを返す。
	Get(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
}

// NewID は推測不能なセッションIDを生成する。
func NewID() string {
	return uuid.NewString()
}
