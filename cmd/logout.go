package cmd

import (
	"github.com/spf13/cobra"
)

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out of Quill",
	Long: `Sign out of Quill.

Local session state is always cleared, and the provider-side session is
revoked on a best-effort basis. A failed remote revocation never undoes
the local sign-out.`,
	RunE: runLogout,
}

func init() {
	rootCmd.AddCommand(logoutCmd)
}

func runLogout(cmd *cobra.Command, args []string) error {
	comps, err := buildComponents(nil)
	if err != nil {
		return err
	}

	comps.controller.Logout(cmd.Context())
	quietPrintf("Signed out.\n")
	return nil
}
