package tokenstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"quill/pkg/auth"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(Config{Dir: t.TempDir(), FileMode: true})
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return store
}

func testTokenSet() *TokenSet {
	now := time.Now().Truncate(time.Second)
	return &TokenSet{
		AccessToken:  "at-123",
		IDToken:      "idtok-456",
		RefreshToken: "rt-789",
		TokenType:    "Bearer",
		Scope:        "openid email profile",
		IssuedAt:     now,
		ExpiresAt:    now.Add(time.Hour),
	}
}

func TestSaveAndLoad(t *testing.T) {
	store := newTestStore(t)
	store.Save(testTokenSet())

	// A fresh store over the same directory reads back from disk.
	reopened, err := NewStore(Config{Dir: store.Dir(), FileMode: true})
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	loaded := reopened.Load()
	if loaded == nil {
		t.Fatal("expected token set, got nil")
	}
	if loaded.AccessToken != "at-123" {
		t.Errorf("expected access token at-123, got %s", loaded.AccessToken)
	}
	if loaded.RefreshToken != "rt-789" {
		t.Errorf("expected refresh token rt-789, got %s", loaded.RefreshToken)
	}
	if !loaded.ExpiresAt.Equal(testTokenSet().ExpiresAt) {
		t.Errorf("expiry not preserved: got %s", loaded.ExpiresAt)
	}
}

func TestLoadMissing(t *testing.T) {
	store := newTestStore(t)
	if token := store.Load(); token != nil {
		t.Errorf("expected nil for empty store, got %+v", token)
	}
}

func TestLoadCorruptFile(t *testing.T) {
	store := newTestStore(t)
	path := filepath.Join(store.Dir(), "token.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatalf("failed to write corrupt file: %v", err)
	}

	// Corrupt files are treated as absent, not as errors.
	if token := store.Load(); token != nil {
		t.Errorf("expected nil for corrupt file, got %+v", token)
	}
}

func TestClear(t *testing.T) {
	store := newTestStore(t)
	store.Save(testTokenSet())
	store.Clear()

	if token := store.Load(); token != nil {
		t.Errorf("expected nil after clear, got %+v", token)
	}
	if _, err := os.Stat(filepath.Join(store.Dir(), "token.json")); !os.IsNotExist(err) {
		t.Errorf("expected token file removed, stat err: %v", err)
	}

	// Clearing twice is harmless.
	store.Clear()
}

func TestFilePermissions(t *testing.T) {
	store := newTestStore(t)
	store.Save(testTokenSet())

	info, err := os.Stat(filepath.Join(store.Dir(), "token.json"))
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("expected 0600 permissions, got %o", perm)
	}
}

func TestIdentityRoundTrip(t *testing.T) {
	store := newTestStore(t)
	store.SaveIdentity(&auth.Identity{
		ID:          "sub-1",
		Email:       "a@x.com",
		DisplayName: "Ada",
		PictureURL:  "https://img.example.com/a.png",
	})

	reopened, err := NewStore(Config{Dir: store.Dir(), FileMode: true})
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	identity := reopened.LoadIdentity()
	if identity == nil {
		t.Fatal("expected identity, got nil")
	}
	if identity.Email != "a@x.com" || identity.DisplayName != "Ada" {
		t.Errorf("identity not preserved: %+v", identity)
	}

	reopened.ClearIdentity()
	if identity := reopened.LoadIdentity(); identity != nil {
		t.Errorf("expected nil after clear, got %+v", identity)
	}
}

func TestMemoryMode(t *testing.T) {
	store, err := NewStore(Config{Dir: t.TempDir(), FileMode: false})
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	store.Save(testTokenSet())
	if token := store.Load(); token == nil {
		t.Fatal("expected in-memory token set")
	}

	// Nothing reaches disk.
	if _, err := os.Stat(filepath.Join(store.Dir(), "token.json")); !os.IsNotExist(err) {
		t.Errorf("expected no file in memory mode, stat err: %v", err)
	}
}

func TestReset(t *testing.T) {
	store := newTestStore(t)
	store.Save(testTokenSet())

	// Simulate another process clearing the directory.
	if err := os.Remove(filepath.Join(store.Dir(), "token.json")); err != nil {
		t.Fatalf("remove failed: %v", err)
	}

	if token := store.Load(); token == nil {
		t.Fatal("expected cached token before reset")
	}

	store.Reset()
	if token := store.Load(); token != nil {
		t.Errorf("expected nil after reset, got %+v", token)
	}
}

func TestIsExpired(t *testing.T) {
	token := testTokenSet()
	if token.IsExpired() {
		t.Error("token expiring in an hour should not be expired")
	}

	token.ExpiresAt = time.Now().Add(30 * time.Second)
	if !token.IsExpired() {
		t.Error("token inside the expiry margin should be expired")
	}

	token.ExpiresAt = time.Now().Add(-time.Minute)
	if !token.IsExpired() {
		t.Error("past expiry should be expired")
	}

	token.ExpiresAt = time.Time{}
	if token.IsExpired() {
		t.Error("token without expiry should never expire")
	}
}

func TestScopes(t *testing.T) {
	token := testTokenSet()
	scopes := token.Scopes()
	if len(scopes) != 3 || scopes[0] != "openid" || scopes[2] != "profile" {
		t.Errorf("unexpected scopes: %v", scopes)
	}

	token.Scope = ""
	if scopes := token.Scopes(); scopes != nil {
		t.Errorf("expected nil scopes, got %v", scopes)
	}
}

func TestToOAuth2Token(t *testing.T) {
	token := testTokenSet()
	converted := token.ToOAuth2Token()

	if converted.AccessToken != token.AccessToken {
		t.Errorf("access token not carried over")
	}
	if converted.RefreshToken != token.RefreshToken {
		t.Errorf("refresh token not carried over")
	}
	if idToken, ok := converted.Extra("id_token").(string); !ok || idToken != token.IDToken {
		t.Errorf("id_token extra not carried over: %v", converted.Extra("id_token"))
	}
}
