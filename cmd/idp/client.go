package main

import (
	"fmt"

	"github.com/nao1215/authgate/internal/idp"
	"github.com/spf13/cobra"
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "アプリクライアントを管理する",
}

var clientInput idp.ClientInput

var clientAddCmd = &cobra.Command{
	Use:   "add",
	Short: "アプリクライアントを登録する。既に存在する場合は上書きする",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := openEnvironment()
		if err != nil {
			return err
		}
		defer env.Close()

		client, err := env.store.PutClient(cmd.Context(), clientInput)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "client_id=%s scopes=%v\n", client.ID, client.AllowedScopes)
		return nil
	},
}

func init() {
	f := clientAddCmd.Flags()
	f.StringVar(&clientInput.ID, "id", "", "クライアントID")
	f.StringVar(&clientInput.Name, "name", "", "表示名（省略時はクライアントID）")
	f.StringVar(&clientInput.Secret, "secret", "", "クライアントシークレット")
	f.StringSliceVar(&clientInput.CallbackURLs, "callback-url", nil, "許可するコールバックURL（複数指定可）")
	f.StringSliceVar(&clientInput.LogoutURLs, "logout-url", nil, "許可するサインアウトURL（複数指定可）")
	f.StringSliceVar(&clientInput.AllowedScopes, "scope", nil, "許可するスコープ（省略時はopenid・email・profile）")
	_ = clientAddCmd.MarkFlagRequired("id")
	_ = clientAddCmd.MarkFlagRequired("secret")
	_ = clientAddCmd.MarkFlagRequired("callback-url")

	clientCmd.AddCommand(clientAddCmd)
}
