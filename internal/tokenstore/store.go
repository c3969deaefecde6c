// Package tokenstore owns persisted token material and the cached user
// profile. It is a pure persistence boundary: no business logic, and every
// operation is total from the caller's perspective. Persistence failures are
// logged and surfaced as return-value absence, never propagated, because
// losing cached credentials must not crash the session controller.
//
// SECURITY: This store handles OAuth credentials. Token files are created
// with 0600 permissions inside a 0700 directory, and token values are never
// logged.
package tokenstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"quill/pkg/auth"
	"quill/pkg/logging"
)

// DefaultStorageDir is the default token storage directory, relative to the
// user's home directory.
const DefaultStorageDir = ".config/quill/tokens"

const (
	tokenFile    = "token.json"
	identityFile = "identity.json"
)

// ExpiryMargin is the buffer applied when checking token expiry. It covers
// clock skew and the latency of operations started just before expiry.
const ExpiryMargin = 60 * time.Second

// TokenSet is the persisted token material from a completed exchange or
// refresh. It is mutated only by the identity broker and destroyed on logout
// or irrecoverable refresh failure.
//
// Invariant: ExpiresAt is derived as IssuedAt + expires_in at creation time,
// and a TokenSet without a decodable ID token is never persisted (the broker
// enforces this before calling Save).
type TokenSet struct {
	// AccessToken is the OAuth access token. May be empty: the interactive
	// flow can complete holding only an ID token.
	AccessToken string `json:"access_token,omitempty"`

	// IDToken is the OIDC ID token the identity was decoded from.
	IDToken string `json:"id_token"`

	// RefreshToken is used to obtain new tokens, if the provider issued one.
	RefreshToken string `json:"refresh_token,omitempty"`

	// TokenType is typically "Bearer".
	TokenType string `json:"token_type,omitempty"`

	// Scope is the granted scope(s), space-separated.
	Scope string `json:"scope,omitempty"`

	// IssuedAt is when the token set was obtained.
	IssuedAt time.Time `json:"issued_at"`

	// ExpiresAt is when the access credentials expire.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// IsExpired reports whether the token set has expired, applying the default
// margin.
func (t *TokenSet) IsExpired() bool {
	return t.IsExpiredWithMargin(ExpiryMargin)
}

// IsExpiredWithMargin reports whether the token set has expired or will
// expire within the margin. Token sets without an expiry never expire.
func (t *TokenSet) IsExpiredWithMargin(margin time.Duration) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(margin).After(t.ExpiresAt)
}

// Scopes returns the scope as individual values.
func (t *TokenSet) Scopes() []string {
	if t.Scope == "" {
		return nil
	}
	return strings.Fields(t.Scope)
}

// ToOAuth2Token converts the token set for use with golang.org/x/oauth2.
func (t *TokenSet) ToOAuth2Token() *oauth2.Token {
	token := &oauth2.Token{
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		RefreshToken: t.RefreshToken,
		Expiry:       t.ExpiresAt,
	}

	if t.IDToken != "" {
		token = token.WithExtra(map[string]any{
			"id_token": t.IDToken,
		})
	}

	return token
}

// Config configures the store.
type Config struct {
	// Dir is the storage directory. Defaults to ~/.config/quill/tokens.
	Dir string

	// FileMode enables file persistence. If false, state is in-memory only.
	FileMode bool
}

// Store persists the token set and identity cache for the single local user.
type Store struct {
	mu       sync.RWMutex
	dir      string
	fileMode bool

	token       *TokenSet
	tokenLoaded bool
	identity    *auth.Identity
	identLoaded bool
}

// NewStore creates a store with the given configuration.
func NewStore(cfg Config) (*Store, error) {
	dir := cfg.Dir
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(homeDir, DefaultStorageDir)
	}

	if cfg.FileMode {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, err
		}
	}

	return &Store{
		dir:      dir,
		fileMode: cfg.FileMode,
	}, nil
}

// Dir returns the storage directory.
func (s *Store) Dir() string {
	return s.dir
}

// Save persists the token set. Failures are logged, never returned.
func (s *Store) Save(token *TokenSet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = token
	s.tokenLoaded = true

	if !s.fileMode || token == nil {
		return
	}
	if err := s.writeFile(tokenFile, token); err != nil {
		logging.Warn("TokenStore", "SECURITY_AUDIT: token persistence failed: %v", err)
		return
	}
	logging.Info("TokenStore", "SECURITY_AUDIT: token stored, expires %s, has_refresh_token=%t",
		token.ExpiresAt.Format(time.RFC3339), token.RefreshToken != "")
}

// Load returns the persisted token set, or nil if absent or unreadable.
func (s *Store) Load() *TokenSet {
	s.mu.RLock()
	if s.tokenLoaded {
		defer s.mu.RUnlock()
		return s.token
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tokenLoaded {
		return s.token
	}
	s.tokenLoaded = true

	if !s.fileMode {
		return nil
	}

	var token TokenSet
	if ok := s.readFile(tokenFile, &token); !ok {
		return nil
	}
	s.token = &token
	return s.token
}

// Clear removes the persisted token set. Failures are logged, never
// returned: local clearing must always appear to succeed.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = nil
	s.tokenLoaded = true

	if s.fileMode {
		s.removeFile(tokenFile)
	}
	logging.Info("TokenStore", "SECURITY_AUDIT: token cleared")
}

// SaveIdentity persists the identity cache. Failures are logged, never
// returned.
func (s *Store) SaveIdentity(identity *auth.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.identity = identity
	s.identLoaded = true

	if !s.fileMode || identity == nil {
		return
	}
	if err := s.writeFile(identityFile, identity); err != nil {
		logging.Warn("TokenStore", "identity persistence failed: %v", err)
	}
}

// LoadIdentity returns the cached identity, or nil if absent or unreadable.
func (s *Store) LoadIdentity() *auth.Identity {
	s.mu.RLock()
	if s.identLoaded {
		defer s.mu.RUnlock()
		return s.identity
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.identLoaded {
		return s.identity
	}
	s.identLoaded = true

	if !s.fileMode {
		return nil
	}

	var identity auth.Identity
	if ok := s.readFile(identityFile, &identity); !ok {
		return nil
	}
	s.identity = &identity
	return s.identity
}

// ClearIdentity removes the cached identity.
func (s *Store) ClearIdentity() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.identity = nil
	s.identLoaded = true

	if s.fileMode {
		s.removeFile(identityFile)
	}
}

// Reset drops the in-memory cache so the next Load re-reads from disk.
// This is used when another process mutates the storage directory.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = nil
	s.tokenLoaded = false
	s.identity = nil
	s.identLoaded = false
}

func (s *Store) writeFile(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dir, name), data, 0600)
}

// readFile reads and unmarshals a storage file. Missing files are expected;
// corrupt files are logged and treated as absent.
func (s *Store) readFile(name string, v any) bool {
	path := filepath.Join(s.dir, name)

	// #nosec G304 -- path is built from the configured storage dir, not user input
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.Warn("TokenStore", "failed to read %s: %v", name, err)
		}
		return false
	}

	if err := json.Unmarshal(data, v); err != nil {
		logging.Warn("TokenStore", "failed to parse %s: %v", name, err)
		return false
	}
	return true
}

func (s *Store) removeFile(name string) {
	err := os.Remove(filepath.Join(s.dir, name))
	if err != nil && !os.IsNotExist(err) {
		logging.Warn("TokenStore", "failed to remove %s: %v", name, err)
	}
}
