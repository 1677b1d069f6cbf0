package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var errNoRemote = errors.New("remote_driver is not configured; tokens need the remote store")

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue and revoke device tokens",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue <account>",
	Short: "Mint a bearer token for an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, done, err := openAuthApp()
		if err != nil {
			return err
		}
		defer done()

		token, err := a.auth.IssueToken(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

var revokeAll bool

var tokenRevokeCmd = &cobra.Command{
	Use:   "revoke <token|account>",
	Short: "Revoke a token, or every token of an account with --all",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, done, err := openAuthApp()
		if err != nil {
			return err
		}
		defer done()

		if revokeAll {
			if err := a.auth.RevokeAccountTokens(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("revoke tokens: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), headerStyle.Render("Revoked all tokens of "+args[0]))
			return nil
		}
		if err := a.auth.RevokeToken(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("revoke token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), headerStyle.Render("Token revoked"))
		return nil
	},
}

func init() {
	tokenRevokeCmd.Flags().BoolVar(&revokeAll, "all", false, "Treat the argument as an account and revoke all of its tokens")
	tokenCmd.AddCommand(tokenIssueCmd, tokenRevokeCmd)
	rootCmd.AddCommand(tokenCmd)
}

func openAuthApp() (*app, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger, closer, err := newLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	a, err := newApp(cfg, logger, appOptions{})
	if err != nil {
		closer.Close()
		return nil, nil, err
	}
	if a.auth == nil {
		a.Close()
		closer.Close()
		return nil, nil, errNoRemote
	}
	return a, func() {
		a.Close()
		closer.Close()
	}, nil
}
