package cmd

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"quill/internal/session"
	"quill/internal/tokenstore"
	"quill/pkg/auth"
)

var flagStatusWatch bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current session status",
	Long: `Show whether you are signed in to Quill, as whom, and when the
session expires.

With --watch the command keeps running and reports session changes made
by other quill processes (a login or logout elsewhere) as they happen.

Exit code 0 means an authenticated session exists; exit code 2 means
authentication is required.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&flagStatusWatch, "watch", false, "Keep running and report session changes")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	comps, err := buildComponents(nil)
	if err != nil {
		return err
	}

	if flagStatusWatch {
		return watchStatus(cmd, comps)
	}

	status := comps.controller.CheckStatus(cmd.Context())

	fmt.Println("Quill session")
	if !status.Authenticated {
		fmt.Printf("  Status:    %s\n", text.FgYellow.Sprint("Not signed in"))
		printStatusError(status.LastError)
		quietPrintf("  Run: quill login\n")
		return authRequiredError{}
	}

	fmt.Printf("  Status:    %s\n", text.FgGreen.Sprint("Signed in"))
	fmt.Printf("  Account:   %s", status.Identity.Email)
	if status.Identity.DisplayName != "" {
		fmt.Printf(" (%s)", status.Identity.DisplayName)
	}
	fmt.Println()

	if tokens := comps.store.Load(); tokens != nil && !tokens.ExpiresAt.IsZero() {
		remaining := time.Until(tokens.ExpiresAt).Round(time.Minute)
		if remaining > 0 {
			fmt.Printf("  Expires:   %s (in %s)\n", tokens.ExpiresAt.Format(time.RFC3339), remaining)
		} else {
			fmt.Printf("  Expires:   %s\n", text.FgYellow.Sprint("expired"))
		}
		fmt.Printf("  Refresh:   %v\n", tokens.RefreshToken != "")
	}

	if p, err := comps.authorizer.Load(cmd.Context()); err == nil {
		quietPrintf("  Policy:    version %s\n", p.Version)
	}

	return nil
}

// watchStatus runs the session controller against a storage watcher and
// reports every transition until interrupted.
func watchStatus(cmd *cobra.Command, comps *components) error {
	watcher, err := tokenstore.NewWatcher(comps.store)
	if err != nil {
		return fmt.Errorf("failed to watch token storage: %w", err)
	}
	defer watcher.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	controller := session.NewController(session.Config{
		Broker:        comps.broker,
		CheckInterval: time.Duration(comps.cfg.CheckInterval),
		Changes:       watcher.Events(),
		OnChange:      printStatusLine,
	})

	quietPrintf("Watching session state (Ctrl-C to stop)\n")
	controller.Start(ctx)
	return nil
}

// printStatusLine renders one status transition in watch mode.
func printStatusLine(status auth.Status) {
	stamp := time.Now().Format(time.TimeOnly)
	switch {
	case status.Authenticated:
		fmt.Printf("%s  %s as %s\n", stamp, text.FgGreen.Sprint("signed in"), status.Identity.Email)
	case status.LastError != nil:
		fmt.Printf("%s  %s: %s\n", stamp, text.FgYellow.Sprint("signed out"), messageForKind(status.LastError.Kind))
	default:
		fmt.Printf("%s  %s\n", stamp, text.FgYellow.Sprint("signed out"))
	}
}
