package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrTypeMismatch はDecodeで指定した型とイベント種別が一致しないことを表す。
var ErrTypeMismatch = errors.New("イベント種別が一致しません")

// New はdataからイベントを生成する。種別と集約の種類はdataの型から決まる。
// Versionはストアへの追記時に採番されるため0のまま返す。
func New(aggregateID string, data Payload) (*Event, error) {
	if aggregateID == "" {
		return nil, errors.New("集約IDが空です")
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("イベントデータのシリアライズに失敗: %w", err)
	}
	return &Event{
		ID:            uuid.NewString(),
		AggregateID:   aggregateID,
		AggregateType: data.AggregateType(),
		EventType:     data.EventType(),
		Data:          raw,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// Decode はイベントのデータをTとして取り出す。種別が異なる場合はErrTypeMismatchを返す。
func Decode[T Payload](e *Event) (T, error) {
	var data T
	if e.EventType != data.EventType() {
		return data, fmt.Errorf("%w: %s は %s ではありません", ErrTypeMismatch, e.EventType, data.EventType())
	}
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return data, fmt.Errorf("イベントデータのデシリアライズに失敗: %w", err)
	}
	return data, nil
}
