package main

import (
	"strings"
	"testing"

	"github.com/nao1215/authgate/pkg/event"
)

// TestFormatEvent は監査イベントの1行表示を検証する。
func TestFormatEvent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		aggregateID string
		data        event.Payload
		want        string
	}{
		{
			name:        "ログイン失敗は理由と接続元を表示すること",
			aggregateID: "alice",
			data:        event.LoginFailedData{ClientID: "gateway", RemoteIP: "192.0.2.1", Reason: "bad_credentials"},
			want:        "alice client=gateway ip=192.0.2.1 reason=bad_credentials",
		},
		{
			name:        "トークン発行はsubとスコープを表示すること",
			aggregateID: "gateway",
			data:        event.TokenIssuedData{Subject: "sub-alice", Scope: "openid email"},
			want:        `gateway sub=sub-alice scope="openid email"`,
		},
		{
			name:        "トークン拒否はエラーコードを表示すること",
			aggregateID: "gateway",
			data:        event.TokenRejectedData{Error: "invalid_grant", Description: "認可コードが無効です"},
			want:        `gateway error=invalid_grant description="認可コードが無効です"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e, err := event.New(tt.aggregateID, tt.data)
			if err != nil {
				t.Fatalf("event.New()でエラーが発生: %v", err)
			}
			got, err := formatEvent(e)
			if err != nil {
				t.Fatalf("formatEvent()でエラーが発生: %v", err)
			}
			if !strings.HasSuffix(got, tt.want) {
				t.Errorf("formatEvent() = %q, want suffix %q", got, tt.want)
			}
			if !strings.Contains(got, string(tt.data.EventType())) {
				t.Errorf("formatEvent() = %q にイベント種別が含まれない", got)
			}
		})
	}

	t.Run("種別とデータが食い違う場合はエラーになること", func(t *testing.T) {
		t.Parallel()

		e, err := event.New("alice", event.SignedOutData{ClientID: "gateway"})
		if err != nil {
			t.Fatalf("event.New()でエラーが発生: %v", err)
		}
		e.Data = []byte(`"not-an-object"`)
		if _, err := formatEvent(e); err == nil {
			t.Error("不正なデータでエラーが返らなかった")
		}
	})
}
