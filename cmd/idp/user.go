package main

import (
	"fmt"

	"github.com/nao1215/authgate/internal/idp"
	"github.com/spf13/cobra"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "ユーザーを管理する",
}

var userInput idp.UserInput

var userAddCmd = &cobra.Command{
	Use:   "add",
	Short: "ユーザーを登録する。既に存在する場合は属性とパスワードを更新する",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := openEnvironment()
		if err != nil {
			return err
		}
		defer env.Close()

		user, err := env.store.PutUser(cmd.Context(), userInput)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "username=%s sub=%s\n", user.Username, user.Sub)
		return nil
	},
}

func init() {
	f := userAddCmd.Flags()
	f.StringVar(&userInput.Username, "username", "", "ユーザー名")
	f.StringVar(&userInput.Password, "password", "", "パスワード")
	f.StringVar(&userInput.Email, "email", "", "メールアドレス")
	f.BoolVar(&userInput.EmailVerified, "email-verified", false, "メールアドレスを検証済みとして登録する")
	f.BoolVar(&userInput.Disabled, "disabled", false, "無効化した状態で登録する")
	_ = userAddCmd.MarkFlagRequired("username")
	_ = userAddCmd.MarkFlagRequired("password")

	userCmd.AddCommand(userAddCmd)
}
