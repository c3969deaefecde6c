package cmd

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/text"

	"quill/internal/broker"
	"quill/internal/config"
	"quill/internal/policy"
	"quill/internal/session"
	"quill/internal/tokenstore"
	"quill/pkg/autherr"
)

// kindMessages maps error kinds to the user-facing messages this CLI shows.
// The taxonomy itself is owned by pkg/autherr; the wording is owned here.
var kindMessages = map[autherr.Kind]string{
	autherr.KindOAuthFailed:  "Sign-in didn't complete. Please try again.",
	autherr.KindAccessDenied: "Your account isn't authorized to use Quill. Ask the administrator to add you to the allowlist.",
	autherr.KindNetworkError: "Couldn't reach the sign-in service. Check your connection and try again.",
	autherr.KindTokenExpired: "Your session has expired. Sign in again.",
	autherr.KindConfigError:  "Quill's sign-in configuration is broken. This needs an administrator.",
}

// messageForKind returns the user-facing message for a failure kind.
func messageForKind(kind autherr.Kind) string {
	if msg, ok := kindMessages[kind]; ok {
		return msg
	}
	return "Something went wrong during sign-in."
}

// severityColor returns the display color for a failure's severity.
func severityColor(kind autherr.Kind) text.Color {
	switch kind.Severity() {
	case autherr.SeverityCritical, autherr.SeverityHigh:
		return text.FgRed
	case autherr.SeverityMedium:
		return text.FgYellow
	default:
		return text.FgWhite
	}
}

// components bundles the assembled auth subsystem for a command invocation.
type components struct {
	cfg        config.Config
	store      *tokenstore.Store
	authorizer *policy.Authorizer
	broker     *broker.Broker
	controller *session.Controller
}

// buildComponents assembles the auth subsystem from configuration. This is
// the composition root: components are constructed and injected explicitly,
// with no package-level singletons.
func buildComponents(onAuthURL func(string)) (*components, error) {
	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return nil, err
	}

	store, err := tokenstore.NewStore(tokenstore.Config{
		Dir:      cfg.StorageDir,
		FileMode: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open token storage: %w", err)
	}

	authorizer := policy.NewAuthorizer(policy.Config{
		PolicyURL: cfg.PolicyURL,
	})

	b := broker.New(broker.Config{
		Authorizer:   authorizer,
		Store:        store,
		CallbackPort: cfg.CallbackPort,
		LoginTimeout: time.Duration(cfg.LoginTimeout),
		OnAuthURL:    onAuthURL,
	})

	controller := session.NewController(session.Config{
		Broker:        b,
		CheckInterval: time.Duration(cfg.CheckInterval),
	})

	return &components{
		cfg:        cfg,
		store:      store,
		authorizer: authorizer,
		broker:     b,
		controller: controller,
	}, nil
}

// printStatusError renders a classified failure for the user.
func printStatusError(err *autherr.Error) {
	if err == nil {
		return
	}
	color := severityColor(err.Kind)
	fmt.Printf("  %s\n", color.Sprint(messageForKind(err.Kind)))
	if !flagQuiet {
		fmt.Printf("  Detail: %s\n", err.Message)
	}
}

// quietPrintf prints unless --quiet is set.
func quietPrintf(format string, args ...any) {
	if !flagQuiet {
		fmt.Printf(format, args...)
	}
}
