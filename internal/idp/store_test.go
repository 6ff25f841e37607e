package idp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nao1215/authgate/pkg/event"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

// newTestStore はインメモリSQLiteを使ったテスト用のStoreを生成する。
// 各テストで独立したデータベースを使用する。
func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := OpenDB(":memory:", zerolog.Nop())
	if err != nil {
		t.Fatalf("OpenDB()でエラーが発生: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	s := NewStore(db)
	s.bcryptCost = bcrypt.MinCost
	return s
}

// seedTestData はテスト用のクライアントとユーザーを登録する。
func seedTestData(t *testing.T, s *Store) (*Client, *User) {
	t.Helper()

	ctx := context.Background()
	client, err := s.PutClient(ctx, ClientInput{
		ID:           "gateway",
		Name:         "テストゲートウェイ",
		Secret:       "gateway-secret",
		CallbackURLs: []string{"http://gw.test/oauth2/idpresponse"},
		LogoutURLs:   []string{"http://gw.test/"},
	})
	if err != nil {
		t.Fatalf("PutClient()でエラーが発生: %v", err)
	}
	user, err := s.PutUser(ctx, UserInput{
		Username:      "alice",
		Email:         "alice@example.com",
		Password:      "Passw0rd!",
		EmailVerified: true,
	})
	if err != nil {
		t.Fatalf("PutUser()でエラーが発生: %v", err)
	}
	return client, user
}

// TestStoreUsers はユーザーの登録と認証を検証する。
func TestStoreUsers(t *testing.T) {
	t.Parallel()

	t.Run("登録したユーザーで認証できること", func(t *testing.T) {
		t.Parallel()

		s := newTestStore(t)
		_, user := seedTestData(t, s)

		got, err := s.Authenticate(context.Background(), "alice", "Passw0rd!")
		if err != nil {
			t.Fatalf("Authenticate()でエラーが発生: %v", err)
		}
		if got.Sub != user.Sub {
			t.Errorf("sub = %q, want %q", got.Sub, user.Sub)
		}
		if !got.EmailVerified || got.Email != "alice@example.com" {
			t.Errorf("email = %q, email_verified = %v", got.Email, got.EmailVerified)
		}
	})

	t.Run("パスワード不一致と存在しないユーザーが同じエラーになること", func(t *testing.T) {
		t.Parallel()

		s := newTestStore(t)
		seedTestData(t, s)

		if _, err := s.Authenticate(context.Background(), "alice", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("パスワード不一致: err = %v, want ErrInvalidCredentials", err)
		}
		if _, err := s.Authenticate(context.Background(), "nobody", "Passw0rd!"); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("存在しないユーザー: err = %v, want ErrInvalidCredentials", err)
		}
	})

	t.Run("無効化されたユーザーはErrUserDisabledになること", func(t *testing.T) {
		t.Parallel()

		s := newTestStore(t)
		if _, err := s.PutUser(context.Background(), UserInput{Username: "bob", Password: "Passw0rd!", Disabled: true}); err != nil {
			t.Fatalf("PutUser()でエラーが発生: %v", err)
		}
		if _, err := s.Authenticate(context.Background(), "bob", "Passw0rd!"); !errors.Is(err, ErrUserDisabled) {
			t.Errorf("err = %v, want ErrUserDisabled", err)
		}
	})

	t.Run("同じユーザー名で再登録してもsubが維持されること", func(t *testing.T) {
		t.Parallel()

		s := newTestStore(t)
		_, user := seedTestData(t, s)

		updated, err := s.PutUser(context.Background(), UserInput{Username: "alice", Email: "new@example.com", Password: "NewPassw0rd"})
		if err != nil {
			t.Fatalf("PutUser()でエラーが発生: %v", err)
		}
		if updated.Sub != user.Sub {
			t.Errorf("sub = %q, want %q", updated.Sub, user.Sub)
		}
		if updated.Email != "new@example.com" {
			t.Errorf("email = %q, want %q", updated.Email, "new@example.com")
		}
		if _, err := s.Authenticate(context.Background(), "alice", "NewPassw0rd"); err != nil {
			t.Errorf("新しいパスワードで認証できない: %v", err)
		}
	})

	t.Run("存在しないsubはErrNotFoundになること", func(t *testing.T) {
		t.Parallel()

		s := newTestStore(t)
		if _, err := s.GetUserBySub(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})
}

// TestStoreClients はクライアントの登録と属性を検証する。
func TestStoreClients(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	client, _ := seedTestData(t, s)

	if !client.VerifySecret("gateway-secret") {
		t.Error("正しいシークレットが拒否された")
	}
	if client.VerifySecret("wrong") {
		t.Error("誤ったシークレットが受理された")
	}
	if !client.HasCallbackURL("http://gw.test/oauth2/idpresponse") {
		t.Error("登録済みのコールバックURLが拒否された")
	}
	if client.HasCallbackURL("http://gw.test/oauth2/idpresponse/") {
		t.Error("末尾が異なるコールバックURLが受理された")
	}
	if !client.AllowsScopes([]string{"openid", "email"}) {
		t.Error("既定のスコープが許可されていない")
	}
	if client.AllowsScopes([]string{"openid", "admin"}) {
		t.Error("未許可のスコープが受理された")
	}

	if _, err := s.GetClient(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

// TestStoreAuthCodes は認可コードの発行と消費を検証する。
func TestStoreAuthCodes(t *testing.T) {
	t.Parallel()

	t.Run("認可コードは1回だけ消費できること", func(t *testing.T) {
		t.Parallel()

		s := newTestStore(t)
		client, user := seedTestData(t, s)
		ctx := context.Background()

		issued, err := s.IssueAuthCode(ctx, AuthCode{
			ClientID:    client.ID,
			Sub:         user.Sub,
			RedirectURI: "http://gw.test/oauth2/idpresponse",
			Scope:       "openid email",
			Nonce:       "n-1",
			AuthTime:    time.Now(),
		}, time.Minute)
		if err != nil {
			t.Fatalf("IssueAuthCode()でエラーが発生: %v", err)
		}

		got, err := s.ConsumeAuthCode(ctx, issued.Code)
		if err != nil {
			t.Fatalf("ConsumeAuthCode()でエラーが発生: %v", err)
		}
		if got.Sub != user.Sub || got.Nonce != "n-1" || got.Scope != "openid email" {
			t.Errorf("認可コードの内容が一致しない: %+v", got)
		}

		if _, err := s.ConsumeAuthCode(ctx, issued.Code); !errors.Is(err, ErrNotFound) {
			t.Errorf("2回目: err = %v, want ErrNotFound", err)
		}
	})

	t.Run("期限切れの認可コードは消費できず削除されること", func(t *testing.T) {
		t.Parallel()

		s := newTestStore(t)
		client, user := seedTestData(t, s)
		ctx := context.Background()

		base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		s.now = func() time.Time { return base }
		issued, err := s.IssueAuthCode(ctx, AuthCode{ClientID: client.ID, Sub: user.Sub, RedirectURI: "http://gw.test/oauth2/idpresponse"}, time.Minute)
		if err != nil {
			t.Fatalf("IssueAuthCode()でエラーが発生: %v", err)
		}

		s.now = func() time.Time { return base.Add(2 * time.Minute) }
		if _, err := s.ConsumeAuthCode(ctx, issued.Code); !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("DeleteExpiredAuthCodesは期限切れのコードだけを削除すること", func(t *testing.T) {
		t.Parallel()

		s := newTestStore(t)
		client, user := seedTestData(t, s)
		ctx := context.Background()

		base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		s.now = func() time.Time { return base }
		in := AuthCode{ClientID: client.ID, Sub: user.Sub, RedirectURI: "http://gw.test/oauth2/idpresponse"}
		if _, err := s.IssueAuthCode(ctx, in, time.Minute); err != nil {
			t.Fatalf("IssueAuthCode()でエラーが発生: %v", err)
		}
		live, err := s.IssueAuthCode(ctx, in, time.Hour)
		if err != nil {
			t.Fatalf("IssueAuthCode()でエラーが発生: %v", err)
		}

		s.now = func() time.Time { return base.Add(5 * time.Minute) }
		n, err := s.DeleteExpiredAuthCodes(ctx)
		if err != nil {
			t.Fatalf("DeleteExpiredAuthCodes()でエラーが発生: %v", err)
		}
		if n != 1 {
			t.Errorf("削除件数 = %d, want 1", n)
		}
		if _, err := s.ConsumeAuthCode(ctx, live.Code); err != nil {
			t.Errorf("有効なコードが消費できない: %v", err)
		}
	})
}

// TestStoreEvents は監査イベントの追記と検索を検証する。
func TestStoreEvents(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	appendEvent := func(aggregateID string, data event.Payload) *event.Event {
		t.Helper()
		ev, err := event.New(aggregateID, data)
		if err != nil {
			t.Fatalf("event.New()でエラーが発生: %v", err)
		}
		if err := s.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("AppendEvent()でエラーが発生: %v", err)
		}
		return ev
	}

	first := appendEvent("user-1", event.LoginSucceededData{ClientID: "gateway"})
	second := appendEvent("user-1", event.AuthCodeIssuedData{ClientID: "gateway"})
	other := appendEvent("user-2", event.LoginSucceededData{ClientID: "gateway"})

	if first.Version != 1 || second.Version != 2 {
		t.Errorf("version = %d, %d, want 1, 2", first.Version, second.Version)
	}
	if other.Version != 1 {
		t.Errorf("別の集約のversion = %d, want 1", other.Version)
	}

	t.Run("集約IDで絞り込めること", func(t *testing.T) {
		t.Parallel()

		events, err := s.ListEvents(ctx, EventFilter{AggregateID: "user-1"})
		if err != nil {
			t.Fatalf("ListEvents()でエラーが発生: %v", err)
		}
		if len(events) != 2 {
			t.Fatalf("件数 = %d, want 2", len(events))
		}
		if events[0].ID != second.ID {
			t.Errorf("先頭のイベント = %s, want %s（新しい順）", events[0].ID, second.ID)
		}
	})

	t.Run("イベント種別で絞り込めること", func(t *testing.T) {
		t.Parallel()

		events, err := s.ListEvents(ctx, EventFilter{EventType: event.TypeLoginSucceeded})
		if err != nil {
			t.Fatalf("ListEvents()でエラーが発生: %v", err)
		}
		if len(events) != 2 {
			t.Errorf("件数 = %d, want 2", len(events))
		}
	})

	t.Run("件数の上限が適用されること", func(t *testing.T) {
		t.Parallel()

		events, err := s.ListEvents(ctx, EventFilter{Limit: 1})
		if err != nil {
			t.Fatalf("ListEvents()でエラーが発生: %v", err)
		}
		if len(events) != 1 {
			t.Errorf("件数 = %d, want 1", len(events))
		}
	})
}
