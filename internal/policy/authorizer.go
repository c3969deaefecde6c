// Package policy implements allowlist-based authorization: who may use the
// application after authenticating. The policy document is fetched from a
// configured URL, validated structurally, and cached until an explicit
// reload.
//
// Allowlist state is policy, not identity state. It is deliberately
// decoupled from the token store so that revoking an email takes effect on
// the next authorization check without touching stored tokens.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"quill/pkg/autherr"
	"quill/pkg/logging"
)

// maxPolicyBytes bounds the policy document size.
const maxPolicyBytes = 1 << 20

// Policy is the allowlist authorization policy document.
type Policy struct {
	// ClientID is the OAuth client identifier for the provider integration.
	ClientID string `json:"googleClientId"`

	// AllowedEmails lists the emails authorized to use the application.
	// An empty list authorizes nobody.
	AllowedEmails []string `json:"allowedEmails"`

	// Version identifies the policy revision.
	Version string `json:"version"`
}

// Decision is the outcome of an authorization check.
type Decision struct {
	// Allowed reports whether the email may proceed.
	Allowed bool `json:"allowed"`

	// Reason explains a rejection. Empty when allowed.
	Reason string `json:"reason,omitempty"`
}

// Config configures the Authorizer.
type Config struct {
	// PolicyURL is the location of the policy document.
	PolicyURL string

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client
}

// Authorizer loads the allowlist policy and decides whether an identity may
// proceed. It owns the cached policy exclusively; no other component reads
// it directly.
type Authorizer struct {
	mu         sync.RWMutex
	policyURL  string
	httpClient *http.Client
	policy     *Policy
	allowed    map[string]struct{}
}

// NewAuthorizer creates an Authorizer. The policy is loaded lazily on the
// first check.
func NewAuthorizer(cfg Config) *Authorizer {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Authorizer{
		policyURL:  cfg.PolicyURL,
		httpClient: httpClient,
	}
}

// Load returns the cached policy, fetching it if absent.
func (a *Authorizer) Load(ctx context.Context) (*Policy, error) {
	a.mu.RLock()
	cached := a.policy
	a.mu.RUnlock()

	if cached != nil {
		return cached, nil
	}
	return a.Reload(ctx)
}

// Reload discards any cached policy and fetches it again. This is the only
// way a cached policy is ever replaced.
func (a *Authorizer) Reload(ctx context.Context) (*Policy, error) {
	policy, err := a.fetch(ctx)
	if err != nil {
		return nil, err
	}

	allowed := make(map[string]struct{}, len(policy.AllowedEmails))
	for _, email := range policy.AllowedEmails {
		allowed[strings.ToLower(email)] = struct{}{}
	}

	a.mu.Lock()
	a.policy = policy
	a.allowed = allowed
	a.mu.Unlock()

	logging.Info("Policy", "allowlist policy loaded: version %s, %d allowed email(s)",
		policy.Version, len(policy.AllowedEmails))
	return policy, nil
}

// ClientID returns the provider client identifier from the policy, loading
// the policy if necessary.
func (a *Authorizer) ClientID(ctx context.Context) (string, error) {
	policy, err := a.Load(ctx)
	if err != nil {
		return "", err
	}
	return policy.ClientID, nil
}

// IsAuthorized decides whether the email may use the application.
//
// Matching is exact, case-insensitive membership against the allowlist; no
// prefix or domain-wildcard matching. Syntactically invalid input emails are
// rejected with an explicit reason before the policy is consulted. An empty
// allowlist authorizes nobody.
func (a *Authorizer) IsAuthorized(ctx context.Context, email string) (Decision, error) {
	if !isValidEmail(email) {
		return Decision{Allowed: false, Reason: fmt.Sprintf("invalid email syntax: %q", email)}, nil
	}

	if _, err := a.Load(ctx); err != nil {
		return Decision{}, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if len(a.allowed) == 0 {
		return Decision{Allowed: false, Reason: "allowlist is empty"}, nil
	}

	if _, ok := a.allowed[strings.ToLower(email)]; !ok {
		return Decision{Allowed: false, Reason: fmt.Sprintf("%s is not on the allowlist", email)}, nil
	}

	return Decision{Allowed: true}, nil
}

// fetch retrieves and validates the policy document. All failures are
// transient ConfigErrors: the document may be temporarily unreachable or
// mid-rollout, so the caller's retry budget applies.
func (a *Authorizer) fetch(ctx context.Context) (*Policy, error) {
	if a.policyURL == "" {
		return nil, autherr.New(autherr.KindConfigError, "no policy URL configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.policyURL, nil)
	if err != nil {
		return nil, autherr.Newf(autherr.KindConfigError, "invalid policy URL: %v", err).Transient()
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, autherr.Newf(autherr.KindConfigError, "policy fetch failed: %v", err).Transient()
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, autherr.Newf(autherr.KindConfigError, "policy fetch returned status %d", resp.StatusCode).Transient()
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPolicyBytes))
	if err != nil {
		return nil, autherr.Newf(autherr.KindConfigError, "policy read failed: %v", err).Transient()
	}

	var policy Policy
	if err := json.Unmarshal(body, &policy); err != nil {
		return nil, autherr.Newf(autherr.KindConfigError, "policy parse failed: %v", err).Transient()
	}

	if err := validatePolicy(&policy); err != nil {
		return nil, err
	}

	return &policy, nil
}

// validatePolicy checks the structural invariants of a policy document.
// Violations name the specific field that failed.
func validatePolicy(p *Policy) error {
	if strings.TrimSpace(p.ClientID) == "" {
		return autherr.New(autherr.KindConfigError, "policy field googleClientId is missing or empty").Transient()
	}
	if strings.TrimSpace(p.Version) == "" {
		return autherr.New(autherr.KindConfigError, "policy field version is missing or empty").Transient()
	}
	for i, email := range p.AllowedEmails {
		if !isValidEmail(email) {
			return autherr.Newf(autherr.KindConfigError, "policy field allowedEmails[%d] is not a valid email: %q", i, email).Transient()
		}
	}
	return nil
}

// isValidEmail applies a conservative syntax check: exactly one "@",
// non-empty local and domain parts, and no leading, trailing, or
// consecutive dots in the domain.
func isValidEmail(email string) bool {
	at := strings.Index(email, "@")
	if at <= 0 || at != strings.LastIndex(email, "@") {
		return false
	}

	domain := email[at+1:]
	if domain == "" {
		return false
	}
	if strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return false
	}
	if strings.Contains(domain, "..") {
		return false
	}

	return true
}
