// Package event はIdPが記録する認証監査イベントを定義する。
//
// イベントは追記のみで更新・削除しない。Versionは集約（ユーザーまたはクライアント）
// ごとの連番で、ストアへの追記時に採番される。
package event

import (
	"encoding/json"
	"time"
)

// AggregateType はイベントの対象となるエンティティの種類を表す。
type AggregateType string

const (
	// AggregateTypeUser はユーザーを表す。
	AggregateTypeUser AggregateType = "User"
	// AggregateTypeClient はアプリクライアントを表す。
	AggregateTypeClient AggregateType = "Client"
)

// Type はイベントの種類を表す。
type Type string

const (
	// TypeLoginSucceeded はホストUIでのログインが成功したことを表す。
	TypeLoginSucceeded Type = "LoginSucceeded"
	// TypeLoginFailed はホストUIでのログインが失敗したことを表す。
	TypeLoginFailed Type = "LoginFailed"
	// TypeAuthCodeIssued は認可コードが発行されたことを表す。
	TypeAuthCodeIssued Type = "AuthCodeIssued"
	// TypeTokenIssued はトークンエンドポイントでトークンが発行されたことを表す。
	TypeTokenIssued Type = "TokenIssued"
	// TypeTokenRejected はトークンリクエストが拒否されたことを表す。
	TypeTokenRejected Type = "TokenRejected"
	// TypeSignedOut はIdPセッションが破棄されたことを表す。
	TypeSignedOut Type = "SignedOut"
)

// Payload はイベント固有のデータ。型ごとにイベント種別と集約の種類が決まる。
type Payload interface {
	EventType() Type
	AggregateType() AggregateType
}

// Event は追記専用の監査イベントレコード。
type Event struct {
	// ID はイベントの一意識別子（UUID）。
	ID string `json:"id"`
	// AggregateID は対象エンティティの識別子（ユーザーのsubまたはクライアントID）。
	AggregateID string `json:"aggregate_id"`
	// AggregateType は対象エンティティの種類。
	AggregateType AggregateType `json:"aggregate_type"`
	// EventType はイベントの種類。
	EventType Type `json:"event_type"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data"`
	// Version は集約内でのイベントの順序番号。
	Version int64 `json:"version"`
	// CreatedAt はイベントが作成された日時。
	CreatedAt time.Time `json:"created_at"`
}

// LoginSucceededData はホステッドUIでのログイン成功。集約IDはユーザーのsub。
type LoginSucceededData struct {
	ClientID string `json:"client_id"`
	RemoteIP string `json:"remote_ip"`
}

// LoginFailedData はホステッドUIでのログイン失敗。
// 存在しないユーザー名での失敗も記録するため、集約IDにはユーザー名を使う。
type LoginFailedData struct {
	ClientID string `json:"client_id"`
	RemoteIP string `json:"remote_ip"`
	// Reason は "bad_credentials" または "disabled"。
	Reason string `json:"reason"`
}

// AuthCodeIssuedData は認可コードの発行。
type AuthCodeIssuedData struct {
	ClientID    string `json:"client_id"`
	RedirectURI string `json:"redirect_uri"`
	Scope       string `json:"scope"`
}

// SignedOutData はIdPセッションの破棄。
type SignedOutData struct {
	ClientID string `json:"client_id"`
}

// TokenIssuedData はトークンの発行。集約IDはクライアントID。
type TokenIssuedData struct {
	Subject string `json:"sub"`
	Scope   string `json:"scope"`
}

// TokenRejectedData はトークンリクエストの拒否。
type TokenRejectedData struct {
	// Error はOAuth2のエラーコード（invalid_grant等）。
	Error string `json:"error"`
	// Description は拒否理由の詳細。
	Description string `json:"description"`
}

func (LoginSucceededData) EventType() Type { return TypeLoginSucceeded }
func (LoginFailedData) EventType() Type    { return TypeLoginFailed }
func (AuthCodeIssuedData) EventType() Type { return TypeAuthCodeIssued }
func (SignedOutData) EventType() Type      { return TypeSignedOut }
func (TokenIssuedData) EventType() Type    { return TypeTokenIssued }
func (TokenRejectedData) EventType() Type  { return TypeTokenRejected }

func (LoginSucceededData) AggregateType() AggregateType { return AggregateTypeUser }
func (LoginFailedData) AggregateType() AggregateType    { return AggregateTypeUser }
func (AuthCodeIssuedData) AggregateType() AggregateType { return AggregateTypeUser }
func (SignedOutData) AggregateType() AggregateType      { return AggregateTypeUser }
func (TokenIssuedData) AggregateType() AggregateType    { return AggregateTypeClient }
func (TokenRejectedData) AggregateType() AggregateType  { return AggregateTypeClient }
