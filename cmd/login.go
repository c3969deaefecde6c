package cmd

import (
	"fmt"
	"time"

	"github.com/briandowns/spinner"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"quill/pkg/auth"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in to Quill",
	Long: `Sign in to Quill with your Google account.

A browser window opens with the provider's consent screen. After you
approve, your email is checked against the allowlist policy and the
session is stored locally.

With --silent, only a prompt-free re-authentication with the previously
signed-in account is attempted; if the provider requires interaction, the
command fails instead of opening the consent screen.

Examples:
  quill login              # Sign in interactively
  quill login --silent     # Re-authenticate without a consent screen
  quill login --quiet      # Sign in without progress output`,
	RunE: runLogin,
}

var flagLoginSilent bool

func init() {
	loginCmd.Flags().BoolVar(&flagLoginSilent, "silent", false, "Only attempt prompt-free re-authentication")
	rootCmd.AddCommand(loginCmd)
}

func runLogin(cmd *cobra.Command, args []string) error {
	comps, err := buildComponents(func(authURL string) {
		quietPrintf("Opening your browser to sign in. If it doesn't open, visit:\n  %s\n", authURL)
	})
	if err != nil {
		return err
	}

	var s *spinner.Spinner
	if !flagQuiet {
		s = spinner.New(spinner.CharSets[14], 100*time.Millisecond)
		s.Suffix = " Waiting for sign-in to complete..."
		s.Start()
	}

	var status auth.Status
	if flagLoginSilent {
		status = comps.controller.LoginSilent(cmd.Context())
	} else {
		status = comps.controller.Login(cmd.Context())
	}

	if s != nil {
		s.Stop()
	}

	if !status.Authenticated {
		printStatusError(status.LastError)
		if status.LastError != nil {
			return &authFailedError{cause: status.LastError}
		}
		return fmt.Errorf("sign-in did not complete")
	}

	quietPrintf("%s Signed in as %s\n", text.FgGreen.Sprint("✓"), status.Identity.Email)
	return nil
}
