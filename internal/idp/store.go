package idp

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nao1215/authgate/pkg/event"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrNotFound はユーザー・クライアント・認可コードが存在しないことを表す。
	ErrNotFound = errors.New("リソースが見つかりません")
	// ErrInvalidCredentials はユーザー名またはパスワードが一致しないことを表す。
	ErrInvalidCredentials = errors.New("ユーザー名またはパスワードが正しくありません")
	// ErrUserDisabled はユーザーが無効化されていることを表す。
	ErrUserDisabled = errors.New("ユーザーは無効化されています")
)

// defaultScopes はクライアントに許可スコープが指定されていない場合の既定値。
var defaultScopes = []string{"openid", "email", "profile"}

// User はユーザープールのユーザー。
type User struct {
	Sub           string    `json:"sub"`
	Username      string    `json:"username"`
	Email         string    `json:"email"`
	EmailVerified bool      `json:"email_verified"`
	PasswordHash  string    `json:"-"`
	Enabled       bool      `json:"enabled"`
	CreatedAt     time.Time `json:"created_at"`
}

// UserInput はユーザーの登録・更新内容。シードファイルの1要素にも対応する。
type UserInput struct {
	Username      string `yaml:"username" validate:"required"`
	Email         string `yaml:"email" validate:"omitempty,email"`
	Password      string `yaml:"password" validate:"required,min=8"`
	EmailVerified bool   `yaml:"email_verified"`
	Disabled      bool   `yaml:"disabled"`
}

// Client はユーザープールに登録されたアプリクライアント。
type Client struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	SecretHash    string    `json:"-"`
	CallbackURLs  []string  `json:"callback_urls"`
	LogoutURLs    []string  `json:"logout_urls"`
	AllowedScopes []string  `json:"allowed_scopes"`
	CreatedAt     time.Time `json:"created_at"`
}

// VerifySecret はクライアントシークレットが一致するかを返す。
func (c *Client) VerifySecret(secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(c.SecretHash), []byte(secret)) == nil
}

// HasCallbackURL はuriが登録済みのコールバックURLと完全一致するかを返す。
func (c *Client) HasCallbackURL(uri string) bool {
	return slices.Contains(c.CallbackURLs, uri)
}

// HasLogoutURL はuriが登録済みのサインアウトURLと完全一致するかを返す。
func (c *Client) HasLogoutURL(uri string) bool {
	return slices.Contains(c.LogoutURLs, uri)
}

// AllowsScopes はscopesがすべて許可されているかを返す。
func (c *Client) AllowsScopes(scopes []string) bool {
	for _, sc := range scopes {
		if !slices.Contains(c.AllowedScopes, sc) {
			return false
		}
	}
	return true
}

// ClientInput はクライアントの登録・更新内容。
type ClientInput struct {
	ID            string   `yaml:"id" validate:"required"`
	Name          string   `yaml:"name"`
	Secret        string   `yaml:"secret" validate:"required,min=8"`
	CallbackURLs  []string `yaml:"callback_urls" validate:"required,min=1,dive,url"`
	LogoutURLs    []string `yaml:"logout_urls" validate:"dive,url"`
	AllowedScopes []string `yaml:"allowed_scopes"`
}

// AuthCode は発行済みの認可コード。
type AuthCode struct {
	Code        string
	ClientID    string
	Sub         string
	RedirectURI string
	Scope       string
	Nonce       string
	AuthTime    time.Time
	ExpiresAt   time.Time
}

// EventFilter は監査イベントの検索条件。
type EventFilter struct {
	AggregateID string
	EventType   event.Type
	Limit       int
}

// Store はIdPの永続化層。
type Store struct {
	db         *sql.DB
	now        func() time.Time
	bcryptCost int
}

// NewStore は新しいStoreを生成する。dbはOpenDBで開いたものを渡す。
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now, bcryptCost: bcrypt.DefaultCost}
}

// dummyHash は存在しないユーザーに対しても同じコストの比較を行うためのハッシュ。
var dummyHash = sync.OnceValue(func() []byte {
	h, _ := bcrypt.GenerateFromPassword([]byte("authgate-dummy-password"), bcrypt.DefaultCost)
	return h
})

type rowScanner interface {
	Scan(dest ...any) error
}

// PutUser はユーザーを登録する。同じユーザー名が既に存在する場合は属性とパスワードを更新し、subは維持する。
func (s *Store) PutUser(ctx context.Context, in UserInput) (*User, error) {
	if in.Username == "" || in.Password == "" {
		return nil, errors.New("ユーザー名とパスワードは必須です")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("パスワードのハッシュ化に失敗: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (sub, username, email, email_verified, password_hash, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET
			email = excluded.email,
			email_verified = excluded.email_verified,
			password_hash = excluded.password_hash,
			enabled = excluded.enabled`,
		uuid.NewString(), in.Username, in.Email, in.EmailVerified, string(hash), !in.Disabled, s.now().Unix())
	if err != nil {
		return nil, fmt.Errorf("ユーザーの保存に失敗: %w", err)
	}
	return s.GetUserByUsername(ctx, in.Username)
}

const userColumns = `sub, username, email, email_verified, password_hash, enabled, created_at`

func scanUser(row rowScanner) (*User, error) {
	var (
		u         User
		createdAt int64
	)
	if err := row.Scan(&u.Sub, &u.Username, &u.Email, &u.EmailVerified, &u.PasswordHash, &u.Enabled, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ユーザーの取得に失敗: %w", err)
	}
	u.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &u, nil
}

// GetUserByUsername はユーザー名でユーザーを取得する。
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username))
}

// GetUserBySub はsubでユーザーを取得する。
func (s *Store) GetUserBySub(ctx context.Context, sub string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE sub = ?`, sub))
}

// Authenticate はユーザー名とパスワードを検証する。
// パスワード不一致とユーザー不在はどちらもErrInvalidCredentialsを返す。
func (s *Store) Authenticate(ctx context.Context, username, password string) (*User, error) {
	u, err := s.GetUserByUsername(ctx, username)
	if errors.Is(err, ErrNotFound) {
		_ = bcrypt.CompareHashAndPassword(dummyHash(), []byte(password))
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	if !u.Enabled {
		return nil, ErrUserDisabled
	}
	return u, nil
}

// PutClient はアプリクライアントを登録する。既に存在する場合は上書きする。
func (s *Store) PutClient(ctx context.Context, in ClientInput) (*Client, error) {
	if in.ID == "" || in.Secret == "" {
		return nil, errors.New("クライアントIDとシークレットは必須です")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Secret), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("シークレットのハッシュ化に失敗: %w", err)
	}
	scopes := in.AllowedScopes
	if len(scopes) == 0 {
		scopes = defaultScopes
	}
	name := in.Name
	if name == "" {
		name = in.ID
	}

	callbacks, _ := json.Marshal(nonNil(in.CallbackURLs))
	logouts, _ := json.Marshal(nonNil(in.LogoutURLs))
	allowed, _ := json.Marshal(scopes)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO clients (id, name, secret_hash, callback_urls, logout_urls, allowed_scopes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			secret_hash = excluded.secret_hash,
			callback_urls = excluded.callback_urls,
			logout_urls = excluded.logout_urls,
			allowed_scopes = excluded.allowed_scopes`,
		in.ID, name, string(hash), string(callbacks), string(logouts), string(allowed), s.now().Unix())
	if err != nil {
		return nil, fmt.Errorf("クライアントの保存に失敗: %w", err)
	}
	return s.GetClient(ctx, in.ID)
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

// GetClient はクライアントIDでクライアントを取得する。
func (s *Store) GetClient(ctx context.Context, id string) (*Client, error) {
	var (
		c         Client
		createdAt int64
	)
	var callbacks, logouts, allowed string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, secret_hash, callback_urls, logout_urls, allowed_scopes, created_at
		FROM clients WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &c.SecretHash, &callbacks, &logouts, &allowed, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("クライアントの取得に失敗: %w", err)
	}
	for _, f := range []struct {
		raw string
		dst *[]string
	}{{callbacks, &c.CallbackURLs}, {logouts, &c.LogoutURLs}, {allowed, &c.AllowedScopes}} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return nil, fmt.Errorf("クライアント設定の解釈に失敗: %w", err)
		}
	}
	c.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &c, nil
}

// IssueAuthCode は認可コードを発行して保存する。CodeとExpiresAtはこの関数で設定する。
func (s *Store) IssueAuthCode(ctx context.Context, code AuthCode, ttl time.Duration) (*AuthCode, error) {
	code.Code = uuid.NewString()
	code.ExpiresAt = s.now().Add(ttl)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_codes (code, client_id, sub, redirect_uri, scope, nonce, auth_time, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		code.Code, code.ClientID, code.Sub, code.RedirectURI, code.Scope, code.Nonce, code.AuthTime.Unix(), code.ExpiresAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("認可コードの保存に失敗: %w", err)
	}
	return &code, nil
}

// ConsumeAuthCode は認可コードを取り出して削除する。
// 同じコードで2回呼ばれた場合、2回目はErrNotFoundを返す。期限切れのコードも削除した上でErrNotFoundを返す。
func (s *Store) ConsumeAuthCode(ctx context.Context, code string) (*AuthCode, error) {
	var (
		ac                  AuthCode
		authTime, expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		DELETE FROM auth_codes WHERE code = ?
		RETURNING code, client_id, sub, redirect_uri, scope, nonce, auth_time, expires_at`, code).
		Scan(&ac.Code, &ac.ClientID, &ac.Sub, &ac.RedirectURI, &ac.Scope, &ac.Nonce, &authTime, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("認可コードの取得に失敗: %w", err)
	}
	ac.AuthTime = time.Unix(authTime, 0).UTC()
	ac.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	if !s.now().Before(ac.ExpiresAt) {
		return nil, fmt.Errorf("%w: 認可コードの有効期限切れ", ErrNotFound)
	}
	return &ac, nil
}

// DeleteExpiredAuthCodes は期限切れの認可コードを削除し、削除件数を返す。
func (s *Store) DeleteExpiredAuthCodes(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM auth_codes WHERE expires_at <= ?`, s.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("期限切れ認可コードの削除に失敗: %w", err)
	}
	return res.RowsAffected()
}

// AppendEvent は監査イベントを追記する。Versionは集約ごとの連番で採番され、eに反映される。
func (s *Store) AppendEvent(ctx context.Context, e *event.Event) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO auth_events (id, aggregate_id, aggregate_type, event_type, data, version, created_at)
		SELECT ?, ?, ?, ?, ?, COALESCE(MAX(version), 0) + 1, ?
		FROM auth_events WHERE aggregate_id = ?
		RETURNING version`,
		e.ID, e.AggregateID, string(e.AggregateType), string(e.EventType), string(e.Data), e.CreatedAt.UnixNano(), e.AggregateID).
		Scan(&e.Version)
	if err != nil {
		return fmt.Errorf("イベントの保存に失敗: %w", err)
	}
	return nil
}

// ListEvents は条件に一致する監査イベントを新しい順に返す。
func (s *Store) ListEvents(ctx context.Context, f EventFilter) ([]event.Event, error) {
	var (
		where []string
		args  []any
	)
	if f.AggregateID != "" {
		where = append(where, "aggregate_id = ?")
		args = append(args, f.AggregateID)
	}
	if f.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, string(f.EventType))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, aggregate_id, aggregate_type, event_type, data, version, created_at FROM auth_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("イベントの取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []event.Event{}
	for rows.Next() {
		var (
			e         event.Event
			aggType   string
			evType    string
			data      string
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &e.AggregateID, &aggType, &evType, &data, &e.Version, &createdAt); err != nil {
			return nil, fmt.Errorf("イベントの読み取りに失敗: %w", err)
		}
		e.AggregateType = event.AggregateType(aggType)
		e.EventType = event.Type(evType)
		e.Data = json.RawMessage(data)
		e.CreatedAt = time.Unix(0, createdAt).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}
