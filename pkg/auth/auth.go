// Package auth defines the authentication status types observed by the rest
// of the Quill application. The session controller produces Status snapshots;
// UI layers consume them read-only.
package auth

import (
	"quill/pkg/autherr"
)

// Identity is an immutable snapshot of a user decoded from a provider
// credential. It is created on a successful credential decode and discarded
// on logout or allowlist rejection.
type Identity struct {
	// ID is the provider's stable subject identifier (sub claim).
	ID string `json:"id"`

	// Email is the user's email address.
	Email string `json:"email"`

	// DisplayName is the user's full name.
	DisplayName string `json:"displayName"`

	// PictureURL is the user's avatar URL, if the provider supplied one.
	PictureURL string `json:"pictureUrl,omitempty"`
}

// Status is the externally observed authentication state.
// All mutation goes through the session controller so observers never see
// torn intermediate states.
type Status struct {
	// Authenticated reports whether a valid, authorized session exists.
	Authenticated bool `json:"authenticated"`

	// Identity is the authenticated user, or nil.
	Identity *Identity `json:"identity,omitempty"`

	// Pending reports whether an authentication operation is in flight.
	Pending bool `json:"pending"`

	// LastError carries the most recent classified failure, or nil.
	LastError *autherr.Error `json:"lastError,omitempty"`
}
