package cmd

import (
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Refresh the current session token",
	Long: `Refresh the current session token using the stored refresh token.

If no refresh token is stored, or the provider rejects the refresh, the
session is signed out and you need to run 'quill login' again.`,
	RunE: runRefresh,
}

func init() {
	rootCmd.AddCommand(refreshCmd)
}

func runRefresh(cmd *cobra.Command, args []string) error {
	comps, err := buildComponents(nil)
	if err != nil {
		return err
	}

	if !comps.controller.Refresh(cmd.Context()) {
		quietPrintf("%s Could not refresh the session. Run: quill login\n", text.FgYellow.Sprint("!"))
		return authRequiredError{}
	}

	quietPrintf("%s Session refreshed\n", text.FgGreen.Sprint("✓"))
	return nil
}
