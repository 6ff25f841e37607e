package main

import (
	"fmt"
	"time"

	"github.com/nao1215/authgate/internal/idp"
	"github.com/nao1215/authgate/pkg/event"
	"github.com/spf13/cobra"
)

var eventFilter idp.EventFilter

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "監査イベントを新しい順に表示する",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if eventFilter.Limit < 1 || eventFilter.Limit > 1000 {
			return fmt.Errorf("limitは1から1000で指定してください: %d", eventFilter.Limit)
		}
		env, err := openEnvironment()
		if err != nil {
			return err
		}
		defer env.Close()

		events, err := env.store.ListEvents(cmd.Context(), eventFilter)
		if err != nil {
			return err
		}
		for i := range events {
			line, err := formatEvent(&events[i])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), line)
		}
		return nil
	},
}

func init() {
	f := eventsCmd.Flags()
	f.StringVar(&eventFilter.AggregateID, "aggregate-id", "", "ユーザーのsub・ユーザー名またはクライアントIDで絞り込む")
	f.StringVar((*string)(&eventFilter.EventType), "type", "", "イベント種別で絞り込む（LoginFailed等）")
	f.IntVar(&eventFilter.Limit, "limit", 100, "表示する最大件数")
}

// formatEvent はイベントを1行の文字列にする。
func formatEvent(e *event.Event) (string, error) {
	head := fmt.Sprintf("%s %-14s %s", e.CreatedAt.Format(time.RFC3339), e.EventType, e.AggregateID)

	var detail string
	switch e.EventType {
	case event.TypeLoginSucceeded:
		d, err := event.Decode[event.LoginSucceededData](e)
		if err != nil {
			return "", err
		}
		detail = fmt.Sprintf("client=%s ip=%s", d.ClientID, d.RemoteIP)
	case event.TypeLoginFailed:
		d, err := event.Decode[event.LoginFailedData](e)
		if err != nil {
			return "", err
		}
		detail = fmt.Sprintf("client=%s ip=%s reason=%s", d.ClientID, d.RemoteIP, d.Reason)
	case event.TypeAuthCodeIssued:
		d, err := event.Decode[event.AuthCodeIssuedData](e)
		if err != nil {
			return "", err
		}
		detail = fmt.Sprintf("client=%s redirect_uri=%s scope=%q", d.ClientID, d.RedirectURI, d.Scope)
	case event.TypeSignedOut:
		d, err := event.Decode[event.SignedOutData](e)
		if err != nil {
			return "", err
		}
		detail = "client=" + d.ClientID
	case event.TypeTokenIssued:
		d, err := event.Decode[event.TokenIssuedData](e)
		if err != nil {
			return "", err
		}
		detail = fmt.Sprintf("sub=%s scope=%q", d.Subject, d.Scope)
	case event.TypeTokenRejected:
		d, err := event.Decode[event.TokenRejectedData](e)
		if err != nil {
			return "", err
		}
		detail = fmt.Sprintf("error=%s description=%q", d.Error, d.Description)
	default:
		detail = string(e.Data)
	}
	return head + " " + detail, nil
}
