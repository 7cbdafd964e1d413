package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"sudooom.im.chat/internal/auth"
)

// newTokenCommand 签发开发用的连接令牌
func newTokenCommand() *cobra.Command {
	var expire time.Duration

	cmd := &cobra.Command{
		Use:   "token <identity>",
		Short: "Issue a connection token for an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.TokenSecret == "" {
				return errors.New("auth.token_secret is empty")
			}
			if expire <= 0 {
				expire = cfg.Auth.TokenExpire
			}

			token, expiresAt, err := auth.NewService(cfg.Auth.TokenSecret, expire).Generate(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().DurationVar(&expire, "expire", 0, "token lifetime, defaults to auth.token_expire")
	return cmd
}
