package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var authCmd = &cobra.Command{
	Use:     "auth",
	GroupID: "setup",
	Short:   "Manage the remote access token",
}

var authSetTokenCmd = &cobra.Command{
	Use:   "set-token [token]",
	Short: "Store the access token used by the remote",
	Long: `Store the OAuth access token used by the dropbox remote.

The token is read from standard input when not given as an argument, which
keeps it out of shell history:

  todosync auth set-token < token.txt`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var token string
		if len(args) == 1 {
			token = args[0]
		} else {
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("failed to read token from stdin: %w", err)
			}
			token = line
		}
		token = strings.TrimSpace(token)
		if token == "" {
			return fmt.Errorf("token cannot be empty")
		}

		e, err := openEngine()
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.db.SetToken(cmd.Context(), token); err != nil {
			return err
		}
		fmt.Printf("%s Token stored in %s\n", passStyle.Render(iconPass), e.db.Path())
		return nil
	},
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored access token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine()
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.db.ClearToken(cmd.Context()); err != nil {
			return err
		}
		fmt.Printf("%s Token removed\n", passStyle.Render(iconPass))
		return nil
	},
}

func init() {
	authCmd.AddCommand(authSetTokenCmd, authLogoutCmd)
	rootCmd.AddCommand(authCmd)
}
