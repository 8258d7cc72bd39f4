package cmds

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/switchboard/pkg/auth"
)

func NewTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Development access tokens",
	}
	cmd.AddCommand(newTokenIssueCommand())
	return cmd
}

func newTokenIssueCommand() *cobra.Command {
	var (
		configPath string
		secret     string
		subject    string
		ttl        time.Duration
		refresh    bool
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Mint a signed token for a subject",
		RunE: func(cmd *cobra.Command, args []string) error {
			if subject == "" {
				return errors.New("--subject is required")
			}
			if secret == "" {
				cfg, err := loadConfig(configPath)
				if err != nil {
					return err
				}
				secret = cfg.Auth.JWTSecret
			}
			kind := auth.TokenAccess
			if refresh {
				kind = auth.TokenRefresh
			}
			tok, err := auth.NewJWTVerifier([]byte(secret)).Issue(subject, kind, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to the YAML config file holding auth.jwt_secret")
	cmd.Flags().StringVar(&secret, "secret", "", "Signing secret, overrides the config")
	cmd.Flags().StringVar(&subject, "subject", "", "Identity the token is issued for")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Issue a refresh token instead of an access token")
	return cmd
}
