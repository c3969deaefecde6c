package broker

import (
	"fmt"
	"os/exec"
	"runtime"
)

// Endpoints is the set of provider endpoints the broker talks to. It is
// injectable so tests can point the broker at local servers.
type Endpoints struct {
	// AuthURL is the authorization (consent screen) endpoint.
	AuthURL string

	// TokenURL is the token exchange and refresh endpoint.
	TokenURL string

	// RevokeURL is the token revocation endpoint.
	RevokeURL string
}

// GoogleEndpoints returns the endpoint set for Google's OAuth 2.0 service.
func GoogleEndpoints() Endpoints {
	return Endpoints{
		AuthURL:   "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL:  "https://oauth2.googleapis.com/token",
		RevokeURL: "https://oauth2.googleapis.com/revoke",
	}
}

// openBrowser opens the URL in the user's default browser.
func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to open browser: %w", err)
	}
	return nil
}
