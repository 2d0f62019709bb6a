package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/isdelr/backupsync/internal/auth"
	"github.com/spf13/cobra"
)

var (
	tokenSubject string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API token signed with the configured JWT secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := auth.NewAuthenticator(loaded.JWTSecret)
		if a == nil {
			return errors.New("JWT_SECRET is not configured")
		}
		token, err := a.GenerateToken(tokenSubject, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "operator", "token subject")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
}
