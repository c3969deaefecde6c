package broker

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"quill/pkg/auth"
	"quill/pkg/autherr"
)

// credentialClaims are the identity claims carried by a provider credential.
type credentialClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
	jwt.RegisteredClaims
}

// decodedCredential is the result of decoding a provider credential.
type decodedCredential struct {
	Identity      auth.Identity
	EmailVerified bool
	ExpiresAt     time.Time
	IssuedAt      time.Time
}

// decodeCredential decodes a provider credential: three dot-separated
// base64url segments whose payload carries at least sub and email.
//
// The payload is parsed without signature verification. The credential is
// received directly from the provider's token endpoint over TLS; a public
// client holds no key material to verify with, and the allowlist check is
// the authorization gate.
func decodeCredential(raw string) (*decodedCredential, error) {
	if strings.Count(raw, ".") != 2 {
		return nil, autherr.New(autherr.KindOAuthFailed, "malformed credential: expected three dot-separated segments")
	}

	var claims credentialClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return nil, autherr.Newf(autherr.KindOAuthFailed, "failed to decode credential: %v", err)
	}

	if claims.Subject == "" || claims.Email == "" {
		return nil, autherr.New(autherr.KindOAuthFailed, "credential is missing required identity claims")
	}

	decoded := &decodedCredential{
		EmailVerified: claims.EmailVerified,
		Identity: auth.Identity{
			ID:          claims.Subject,
			Email:       claims.Email,
			DisplayName: claims.Name,
			PictureURL:  claims.Picture,
		},
	}
	if claims.ExpiresAt != nil {
		decoded.ExpiresAt = claims.ExpiresAt.Time
	}
	if claims.IssuedAt != nil {
		decoded.IssuedAt = claims.IssuedAt.Time
	}

	return decoded, nil
}

// credentialExpired reports whether the credential's own exp claim has
// passed. Credentials without an exp claim never expire by this check.
func credentialExpired(raw string) bool {
	decoded, err := decodeCredential(raw)
	if err != nil {
		// An undecodable credential is treated as expired: it can no
		// longer vouch for anyone.
		return true
	}
	if decoded.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().After(decoded.ExpiresAt)
}
