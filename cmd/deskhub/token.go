package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/config"
	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/gateway"
)

func newTokenCmd(v *viper.Viper) *cobra.Command {
	var (
		subject string
		scopes  []string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token signed with http.jwt_secret",
		Example: `  deskhub token --config deskhub.yaml --subject ops --scope control
  deskhub token --subject kiosk --ttl 1h   # view-only when --scope is given without control`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Merge(v)
			if err != nil {
				return err
			}
			if cfg.HTTP.JWTSecret == "" {
				return errors.New("http.jwt_secret is not configured")
			}

			tok, err := gateway.IssueToken(cfg.HTTP.JWTSecret, subject, scopes, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "deskhub-cli", "token subject")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "granted scopes (none grants everything)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.Flags().String("jwt-secret", "", "HMAC secret (overrides http.jwt_secret)")
	bindFlags(v, cmd, map[string]string{"http.jwt_secret": "jwt-secret"})
	return cmd
}
