package cmd

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"quill/pkg/autherr"
	"quill/pkg/logging"
)

// Exit codes for CLI commands. These follow common conventions so scripts
// can distinguish auth failures from general errors.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error.
	ExitCodeError = 1
	// ExitCodeAuthRequired indicates authentication is required but not
	// available.
	ExitCodeAuthRequired = 2
	// ExitCodeAuthFailed indicates the OAuth flow failed.
	ExitCodeAuthFailed = 3
)

// Persistent flags shared by all subcommands.
var (
	flagConfigPath string
	flagQuiet      bool
	flagLogLevel   string
)

// rootCmd represents the base command for the quill auth CLI.
var rootCmd = &cobra.Command{
	Use:   "quill",
	Short: "Sign in to Quill and manage your session",
	Long: `quill manages authentication for the Quill notes application.

It signs you in with your Google account through a browser flow, checks
your email against the application's allowlist policy, and keeps the
resulting session fresh.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(flagLogLevel)
		if err != nil {
			return err
		}
		logging.Init(level, os.Stderr)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "Path to the config file (default ~/.config/quill/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "Suppress informational output")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level: debug, info, warn, error")
}

// SetVersion sets the version for the root command. Called from main to
// inject the build version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute is the entry point for the CLI. It runs the root command and maps
// errors to semantic exit codes.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "quill version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(getExitCode(err))
	}
}

// authRequiredError signals that no valid session exists.
type authRequiredError struct{}

func (authRequiredError) Error() string { return "authentication required" }

// authFailedError wraps a classified failure from the auth subsystem.
type authFailedError struct {
	cause *autherr.Error
}

func (e *authFailedError) Error() string { return e.cause.Error() }
func (e *authFailedError) Unwrap() error { return e.cause }

// getExitCode determines the exit code based on the error type.
func getExitCode(err error) int {
	var required authRequiredError
	if errors.As(err, &required) {
		return ExitCodeAuthRequired
	}

	var failed *authFailedError
	if errors.As(err, &failed) {
		return ExitCodeAuthFailed
	}

	return ExitCodeError
}
